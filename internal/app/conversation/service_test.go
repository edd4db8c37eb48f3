package conversation_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/persona-chat/internal/adapters/llm"
	"github.com/PabloGalante/persona-chat/internal/app/conversation"
	"github.com/PabloGalante/persona-chat/internal/domain"
)

func TestStartSessionAndSendMessage(t *testing.T) {
	ctx := context.Background()

	svc, _ := newService(t, llm.NewMockGateway())

	id := svc.NewChat(ctx)
	if id == "" {
		t.Fatalf("expected session id, got empty")
	}

	turn, err := svc.SendMessage(ctx, "Hola Persona", domain.ModeChat)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitTurn(t, turn)

	reply := message(t, svc, id, turn.Placeholder.ID)
	if reply.Content == "" || reply.Status != domain.StatusDone {
		t.Fatalf("expected completed assistant reply, got %+v", reply)
	}

	sess, _ := svc.Session(id)
	if sess.Title != "Hola Persona" {
		t.Fatalf("expected derived title, got %q", sess.Title)
	}
}

func TestSendMessageCreatesSessionWhenNoneActive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeGateway{fragments: []string{"ok"}})

	require.Empty(t, svc.ActiveID())

	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, turn)

	require.Len(t, svc.Sessions(), 1)
	assert.Equal(t, turn.SessionID, svc.ActiveID())
	assert.Len(t, svc.ActiveMessages(), 2)
}

func TestSendMessagePublishesBothMessagesBeforeReply(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"done"}, gate: make(chan struct{})}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	turn, err := svc.SendMessage(ctx, "  hello  ", domain.ModeChat)
	require.NoError(t, err)

	msgs := svc.ActiveMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].Content)
	assert.Equal(t, domain.StatusPending, msgs[1].Status)
	assert.Equal(t, turn.Placeholder.ID, msgs[1].ID)
	assert.True(t, svc.InFlight(id))

	gw.gate <- struct{}{}
	waitTurn(t, turn)

	assert.False(t, svc.InFlight(id))
	assert.Equal(t, "done", message(t, svc, id, turn.Placeholder.ID).Content)
}

func TestStreamingFragmentsAreObservable(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"Hel", "lo"}, title: "Greeting"}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	var rec recorder
	cancel := rec.watch(svc.Store(), id)
	defer cancel()

	turn, err := svc.SendMessage(ctx, "say hello", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, turn)

	assert.Equal(t, []string{""}, rec.contents(domain.StatusPending))
	assert.Equal(t, []string{"Hel", "Hello"}, rec.contents(domain.StatusStreaming))
	assert.Equal(t, "Hello", message(t, svc, id, turn.Placeholder.ID).Content)
	assert.Equal(t, domain.StatusDone, message(t, svc, id, turn.Placeholder.ID).Status)
}

func TestStreamRequestCarriesHistoryModelAndPersona(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"reply"}}
	svc, _ := newService(t, gw)

	require.NoError(t, svc.SetModel("pro"))
	id := svc.NewChat(ctx)
	// Sessions keep the model they were created with.
	require.NoError(t, svc.SetModel(domain.ModelFlash))

	first, err := svc.SendMessage(ctx, "one", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, first)

	svc.SetDevMode(true)
	second, err := svc.SendMessage(ctx, "two", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, second)

	reqs := gw.textRequests()
	require.Len(t, reqs, 2)

	assert.Equal(t, domain.ModelPro, reqs[0].Model)
	assert.Empty(t, reqs[0].History)
	assert.Empty(t, reqs[0].SystemInstruction)

	assert.Equal(t, domain.ModelPro, reqs[1].Model)
	assert.Equal(t, "two", reqs[1].UserText)
	assert.Equal(t, conversation.DevInstruction, reqs[1].SystemInstruction)
	require.Len(t, reqs[1].History, 2)
	assert.Equal(t, "one", reqs[1].History[0].Content)
	assert.Equal(t, "reply", reqs[1].History[1].Content)

	sess, _ := svc.Session(id)
	assert.Len(t, sess.Messages, 4)
}

func TestStreamFailureMarksPlaceholder(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"par"}, streamErr: errors.New("quota exceeded")}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, turn)

	reply := message(t, svc, id, turn.Placeholder.ID)
	assert.Equal(t, "par", reply.Content)
	assert.Equal(t, domain.StatusError, reply.Status)

	sess, _ := svc.Session(id)
	assert.Equal(t, domain.DefaultTitle, sess.Title)
	assert.Empty(t, gw.titleCalls())
}

func TestImageTurn(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{image: &domain.ImageResult{Data: []byte{1, 2, 3}, MIMEType: "image/png"}}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	turn, err := svc.SendMessage(ctx, "a red fox", domain.ModeImage)
	require.NoError(t, err)

	assert.Equal(t, domain.ImagePromptPrefix+"a red fox", turn.UserMessage.Content)
	assert.Equal(t, domain.ImagePlaceholder, turn.Placeholder.Content)
	waitTurn(t, turn)

	reply := message(t, svc, id, turn.Placeholder.ID)
	assert.Equal(t, domain.ImageFallbackReply, reply.Content)
	assert.Equal(t, "data:image/png;base64,AQID", reply.ImageData)
	assert.Equal(t, domain.StatusDone, reply.Status)

	assert.Equal(t, []string{"a red fox"}, gw.imagePrompts)
	assert.Equal(t, []string{"a red fox"}, gw.titleCalls())
}

func TestImageTurnKeepsModelText(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{image: &domain.ImageResult{Text: "A fox.", Data: []byte{0xff}, MIMEType: "image/jpeg"}}
	svc, _ := newService(t, gw)

	turn, err := svc.SendMessage(ctx, "fox", domain.ModeImage)
	require.NoError(t, err)
	waitTurn(t, turn)

	reply := message(t, svc, turn.SessionID, turn.Placeholder.ID)
	assert.Equal(t, "A fox.", reply.Content)
	assert.Equal(t, "data:image/jpeg;base64,/w==", reply.ImageData)
}

func TestImageFailureKeepsPlaceholderText(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeGateway{imageErr: errors.New("blocked")})

	turn, err := svc.SendMessage(ctx, "fox", domain.ModeImage)
	require.NoError(t, err)
	waitTurn(t, turn)

	reply := message(t, svc, turn.SessionID, turn.Placeholder.ID)
	assert.Equal(t, domain.ImagePlaceholder, reply.Content)
	assert.Empty(t, reply.ImageData)
	assert.Equal(t, domain.StatusError, reply.Status)
}

func TestTitleOnlyOnFirstTurn(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"ok"}, title: `"**Trip #Plans**"`}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	first, err := svc.SendMessage(ctx, "plan a trip", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, first)

	second, err := svc.SendMessage(ctx, "to Lisbon", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, second)

	assert.Equal(t, []string{"plan a trip"}, gw.titleCalls())
	sess, _ := svc.Session(id)
	assert.Equal(t, "Trip Plans", sess.Title)
}

func TestTitleFallsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeGateway{fragments: []string{"ok"}, titleErr: errors.New("unavailable")})

	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, turn)

	sess, _ := svc.Session(turn.SessionID)
	assert.Equal(t, domain.DefaultTitle, sess.Title)
}

func TestTitleLandsOnInactiveSession(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"ok"}, title: "Background", gate: make(chan struct{})}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)

	other := svc.NewChat(ctx)
	require.Equal(t, other, svc.ActiveID())

	gw.gate <- struct{}{}
	waitTurn(t, turn)

	sess, _ := svc.Session(id)
	assert.Equal(t, "Background", sess.Title)
	assert.Equal(t, other, svc.ActiveID())
}

func TestSecondSubmissionIsRejectedWhileBusy(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"a"}, gate: make(chan struct{})}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	turn, err := svc.SendMessage(ctx, "first", domain.ModeChat)
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, "second", domain.ModeChat)
	require.ErrorIs(t, err, domain.ErrSessionBusy)

	sess, _ := svc.Session(id)
	assert.Len(t, sess.Messages, 2)

	gw.gate <- struct{}{}
	waitTurn(t, turn)

	next, err := svc.SendMessage(ctx, "second", domain.ModeChat)
	require.NoError(t, err)
	gw.gate <- struct{}{}
	waitTurn(t, next)
}

func TestSendMessageRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeGateway{})

	_, err := svc.SendMessage(ctx, "   ", domain.ModeChat)
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = svc.SendMessage(ctx, "hi", domain.Mode("video"))
	assert.ErrorIs(t, err, domain.ErrInvalidMode)

	assert.Empty(t, svc.Sessions())
	assert.Empty(t, svc.ActiveID())
}

func TestDeleteDuringStreamDropsUpdates(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"first"}}
	svc, _ := newService(t, gw)

	keep := svc.NewChat(ctx)
	done, err := svc.SendMessage(ctx, "keep me", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, done)
	before, _ := svc.Session(keep)

	gw.mu.Lock()
	gw.fragments = []string{"lost ", "words"}
	gw.gate = make(chan struct{})
	gate := gw.gate
	gw.mu.Unlock()

	doomed := svc.NewChat(ctx)
	turn, err := svc.SendMessage(ctx, "delete me", domain.ModeChat)
	require.NoError(t, err)

	svc.DeleteChat(ctx, doomed)
	assert.Empty(t, svc.ActiveID())

	gate <- struct{}{}
	gate <- struct{}{}
	waitTurn(t, turn)

	_, ok := svc.Session(doomed)
	assert.False(t, ok)
	require.Len(t, svc.Sessions(), 1)

	after, _ := svc.Session(keep)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("untouched session changed (-before +after):\n%s", diff)
	}
}

func TestPatchFollowsMovedPlaceholder(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"a", "b"}, gate: make(chan struct{})}
	svc, _ := newService(t, gw)

	id := svc.NewChat(ctx)
	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)

	gw.gate <- struct{}{}

	// Shift the placeholder so the remembered index points at the wrong message.
	svc.Store().UpdateMessages(ctx, id, func(msgs []domain.Message) ([]domain.Message, bool) {
		note := domain.Message{ID: "note", Role: domain.RoleUser, Content: "inserted"}
		return append([]domain.Message{note}, msgs...), true
	})

	gw.gate <- struct{}{}
	waitTurn(t, turn)

	sess, _ := svc.Session(id)
	require.Len(t, sess.Messages, 3)
	assert.Equal(t, "inserted", sess.Messages[0].Content)
	assert.Equal(t, "hello", sess.Messages[1].Content)
	assert.Equal(t, "ab", sess.Messages[2].Content)
	assert.Equal(t, turn.Placeholder.ID, sess.Messages[2].ID)
}

func TestActivePointerNeverDangles(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeGateway{})
	rng := rand.New(rand.NewPCG(1, 2))

	check := func(step int) {
		id := svc.ActiveID()
		if id == "" {
			return
		}
		if _, ok := svc.Session(id); !ok {
			t.Fatalf("step %d: active id %s refers to no session", step, id)
		}
	}

	for step := range 500 {
		sessions := svc.Sessions()
		pick := func() domain.SessionID {
			if len(sessions) == 0 || rng.IntN(5) == 0 {
				return "missing"
			}
			return sessions[rng.IntN(len(sessions))].ID
		}

		switch rng.IntN(3) {
		case 0:
			svc.NewChat(ctx)
		case 1:
			id := pick()
			found := svc.SelectChat(id)
			if !found {
				assert.Empty(t, svc.ActiveID())
			}
		case 2:
			svc.DeleteChat(ctx, pick())
		}
		check(step)
	}
}

func TestConcurrentSelectAndDeleteKeepPointerValid(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeGateway{})

	for round := range 2000 {
		id := svc.NewChat(ctx)
		svc.SelectChat("missing")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			svc.SelectChat(id)
		}()
		go func() {
			defer wg.Done()
			svc.DeleteChat(ctx, id)
		}()
		wg.Wait()

		if active := svc.ActiveID(); active != "" {
			t.Fatalf("round %d: active id %s survived its deletion", round, active)
		}
	}

	assert.Zero(t, svc.Store().Len())
}

func TestSessionsAreNewestFirstAndSearchable(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"ok"}}
	svc, _ := newService(t, gw)

	for _, title := range []string{"Pasta recipes", "Go generics", "Weekend pasta"} {
		gw.mu.Lock()
		gw.title = title
		gw.mu.Unlock()

		svc.NewChat(ctx)
		turn, err := svc.SendMessage(ctx, title, domain.ModeChat)
		require.NoError(t, err)
		waitTurn(t, turn)
	}

	var titles []string
	for _, s := range svc.Sessions() {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"Weekend pasta", "Go generics", "Pasta recipes"}, titles)

	titles = nil
	for _, s := range svc.Search("PASTA") {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"Weekend pasta", "Pasta recipes"}, titles)
	assert.Len(t, svc.Search("  "), 3)
	assert.Empty(t, svc.Search("rust"))
}

func TestLoginAndLogout(t *testing.T) {
	ctx := context.Background()
	svc, kv := newService(t, &fakeGateway{fragments: []string{"ok"}})

	_, err := svc.Login(ctx, domain.User{Name: " ", Email: "x@example.com"})
	require.ErrorIs(t, err, domain.ErrInvalidUser)

	u, err := svc.Login(ctx, domain.User{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Contains(t, u.Avatar, "seed=Ada")
	require.NotNil(t, svc.CurrentUser())

	turn, err := svc.SendMessage(ctx, "hi", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, turn)

	require.NoError(t, svc.Logout(ctx))
	assert.Nil(t, svc.CurrentUser())
	assert.Empty(t, svc.ActiveID())
	assert.Empty(t, svc.Sessions())

	_, err = kv.Get(ctx, conversation.UserKey)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	data, err := kv.Get(ctx, conversation.SessionsKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestLoginSurvivesReload(t *testing.T) {
	ctx := context.Background()
	svc, kv := newService(t, &fakeGateway{})

	u, err := svc.Login(ctx, conversation.GoogleUser)
	require.NoError(t, err)
	assert.Equal(t, conversation.GoogleUser, u)

	reloaded := conversation.NewService(&fakeGateway{}, conversation.NewStore(kv), conversation.NewIdentityStore(kv), "")
	require.NoError(t, reloaded.Load(ctx))
	require.NotNil(t, reloaded.CurrentUser())
	assert.Equal(t, conversation.GoogleUser, *reloaded.CurrentUser())
	assert.Equal(t, domain.ModelFlash, reloaded.Model())
}

func TestSpeak(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"read me"}, speech: []byte{0, 1}}
	svc, _ := newService(t, gw)

	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, turn)

	audio, err := svc.Speak(ctx, turn.SessionID, turn.Placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, audio)

	_, err = svc.Speak(ctx, turn.SessionID, "nope")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	_, err = svc.Speak(ctx, "nope", turn.Placeholder.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSpeakIgnoresCallerCancellation(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"read me"}, speech: []byte{7}}
	svc, _ := newService(t, gw)

	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)
	waitTurn(t, turn)

	// The gateway call is shared between callers, so one client going away
	// must not fail it for the others.
	gone, cancel := context.WithCancel(ctx)
	cancel()

	audio, err := svc.Speak(gone, turn.SessionID, turn.Placeholder.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, audio)
}

func TestWaitReturnsOnContextDone(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fragments: []string{"x"}, gate: make(chan struct{})}
	svc, _ := newService(t, gw)

	turn, err := svc.SendMessage(ctx, "hello", domain.ModeChat)
	require.NoError(t, err)

	short, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, svc.Wait(short), context.Canceled)

	gw.gate <- struct{}{}
	waitTurn(t, turn)
	assert.NoError(t, svc.Wait(ctx))
}

func TestSetModelRejectsUnknown(t *testing.T) {
	svc, _ := newService(t, &fakeGateway{})

	assert.ErrorIs(t, svc.SetModel("gpt"), domain.ErrInvalidModel)
	assert.Equal(t, domain.ModelFlash, svc.Model())
}
