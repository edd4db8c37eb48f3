package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/persona-chat/internal/adapters/storage/memory"
	"github.com/PabloGalante/persona-chat/internal/app/conversation"
	"github.com/PabloGalante/persona-chat/internal/domain"
)

func sampleSessions() []domain.Session {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []domain.Session{
		{
			ID:    "s2",
			Title: "Foxes",
			Model: domain.ModelPro,
			Messages: []domain.Message{
				{ID: "m1", Role: domain.RoleUser, Content: "Generate image: fox", Timestamp: at, Status: domain.StatusDone},
				{ID: "m2", Role: domain.RoleAssistant, Content: "Here is your generated image.", ImageData: "data:image/png;base64,AQID", Timestamp: at, Status: domain.StatusDone},
			},
			LastUpdated: at,
		},
		{
			ID:          "s1",
			Title:       domain.DefaultTitle,
			Model:       domain.ModelFlash,
			Messages:    []domain.Message{},
			LastUpdated: at.Add(-time.Hour),
		},
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	in := sampleSessions()

	data, err := conversation.EncodeSessions(in)
	require.NoError(t, err)

	out, err := conversation.DecodeSessions(data)
	require.NoError(t, err)

	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeAcceptsLegacyEntries(t *testing.T) {
	// Entries written before messages carried a status.
	data := []byte(`[{"id":"a","title":"Old","model":"gemini-3-flash-preview","lastUpdated":"2025-01-01T00:00:00Z",
		"messages":[{"id":"m","role":"assistant","content":"hi","timestamp":"2025-01-01T00:00:00Z"}]},
		{"id":"b","title":"Empty","model":"gemini-3-pro-preview","lastUpdated":"2025-01-01T00:00:00Z","messages":null}]`)

	out, err := conversation.DecodeSessions(data)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Empty(t, out[0].Messages[0].Status)
	assert.NotNil(t, out[1].Messages)
}

func TestEncodeEmptyIsArray(t *testing.T) {
	data, err := conversation.EncodeSessions(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestStoreLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		store := conversation.NewStore(memory.NewStore())
		require.NoError(t, store.Load(ctx))
		assert.Zero(t, store.Len())
	})

	t.Run("corrupt", func(t *testing.T) {
		kv := memory.NewStore()
		require.NoError(t, kv.Put(ctx, conversation.SessionsKey, []byte("{not json")))

		store := conversation.NewStore(kv)
		require.NoError(t, store.Load(ctx))
		assert.Zero(t, store.Len())
	})

	t.Run("persisted", func(t *testing.T) {
		kv := memory.NewStore()
		data, err := conversation.EncodeSessions(sampleSessions())
		require.NoError(t, err)
		require.NoError(t, kv.Put(ctx, conversation.SessionsKey, data))

		store := conversation.NewStore(kv)
		require.NoError(t, store.Load(ctx))
		if diff := cmp.Diff(sampleSessions(), store.List()); diff != "" {
			t.Fatalf("loaded sessions mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("backend error", func(t *testing.T) {
		store := conversation.NewStore(failingKV{err: errors.New("disk on fire")})
		require.Error(t, store.Load(ctx))
		assert.Zero(t, store.Len())
	})
}

func TestStorePersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	store := conversation.NewStore(kv)

	for _, s := range sampleSessions() {
		store.Insert(ctx, s)
	}
	require.True(t, store.Update(ctx, "s1", func(sess *domain.Session) bool {
		sess.Title = "Renamed"
		return true
	}))
	require.True(t, store.Remove(ctx, "s2"))
	assert.False(t, store.Remove(ctx, "s2"))

	reloaded := conversation.NewStore(kv)
	require.NoError(t, reloaded.Load(ctx))
	if diff := cmp.Diff(store.List(), reloaded.List()); diff != "" {
		t.Fatalf("persisted state mismatch (-memory +disk):\n%s", diff)
	}
	require.Equal(t, 1, reloaded.Len())
	assert.Equal(t, "Renamed", reloaded.List()[0].Title)
}

func TestStoreKeepsMemoryWhenWritesFail(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore(failingKV{err: errors.New("read only")})

	store.Insert(ctx, domain.Session{ID: "a", Title: "Still here"})

	sess, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, "Still here", sess.Title)
}

func TestStoreReadsDoNotWaitForBackend(t *testing.T) {
	ctx := context.Background()
	kv := &slowKV{KVStore: memory.NewStore(), entered: make(chan struct{}), release: make(chan struct{})}
	store := conversation.NewStore(kv)

	inserted := make(chan struct{})
	go func() {
		defer close(inserted)
		store.Insert(ctx, domain.Session{ID: "a", Title: "streaming"})
	}()
	<-kv.entered

	read := make(chan bool)
	go func() {
		_, ok := store.Get("a")
		read <- ok && len(store.Search("stream")) == 1
	}()

	select {
	case ok := <-read:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("read blocked behind a backend write")
	}

	close(kv.release)
	<-inserted

	data, err := kv.Get(ctx, conversation.SessionsKey)
	require.NoError(t, err)
	saved, err := conversation.DecodeSessions(data)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "streaming", saved[0].Title)
}

func TestStoreBackendEndsAtNewestList(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewStore()
	store := conversation.NewStore(kv)
	store.Insert(ctx, domain.Session{ID: "a"})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.UpdateMessages(ctx, "a", func(msgs []domain.Message) ([]domain.Message, bool) {
				return append(msgs, domain.Message{ID: domain.MessageID(fmt.Sprint(i))}), true
			})
		}()
	}
	wg.Wait()

	reloaded := conversation.NewStore(kv)
	require.NoError(t, reloaded.Load(ctx))
	if diff := cmp.Diff(store.List(), reloaded.List()); diff != "" {
		t.Fatalf("backend lags memory (-memory +disk):\n%s", diff)
	}
	assert.Len(t, reloaded.List()[0].Messages, 50)
}

func TestStoreSnapshotsAreImmutable(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore(memory.NewStore())
	store.Insert(ctx, domain.Session{ID: "a", Messages: []domain.Message{{ID: "m", Content: "before"}}})

	snap, _ := store.Get("a")
	store.UpdateMessages(ctx, "a", func(msgs []domain.Message) ([]domain.Message, bool) {
		msgs[0].Content = "after"
		return msgs, true
	})

	assert.Equal(t, "before", snap.Messages[0].Content)
	latest, _ := store.Get("a")
	assert.Equal(t, "after", latest.Messages[0].Content)
	assert.False(t, latest.LastUpdated.IsZero())
}

func TestStoreUpdateDeclined(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore(memory.NewStore())
	store.Insert(ctx, domain.Session{ID: "a", Title: "same"})

	var events int
	cancel := store.Subscribe(func(conversation.Event) { events++ })
	defer cancel()

	assert.False(t, store.Update(ctx, "a", func(*domain.Session) bool { return false }))
	assert.False(t, store.Update(ctx, "missing", func(*domain.Session) bool { return true }))
	assert.Zero(t, events)
}

func TestStoreNotifiesInOrder(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewStore(memory.NewStore())

	var got []string
	cancel := store.Subscribe(func(ev conversation.Event) {
		kind := "put"
		if ev.Deleted {
			kind = "del"
		}
		got = append(got, kind+":"+string(ev.Session.ID)+":"+ev.Session.Title)
	})

	store.Insert(ctx, domain.Session{ID: "a", Title: "one"})
	store.Insert(ctx, domain.Session{ID: "b", Title: "two"})
	store.Update(ctx, "a", func(s *domain.Session) bool {
		s.Title = "uno"
		return true
	})
	store.Remove(ctx, "b")
	store.Clear(ctx)

	cancel()
	store.Insert(ctx, domain.Session{ID: "c"})

	assert.Equal(t, []string{
		"put:a:one",
		"put:b:two",
		"put:a:uno",
		"del:b:two",
		"del:a:uno",
	}, got)
}

func TestSequencerRejectsMissingSession(t *testing.T) {
	store := conversation.NewStore(memory.NewStore())
	_, err := conversation.NewSequencer(store).Submit(context.Background(), "gone", "hi", domain.ModeChat)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSanitizeTitle(t *testing.T) {
	cases := map[string]string{
		`"Trip Plans"`:            "Trip Plans",
		"## **Bold** idea  ":      "Bold idea",
		`"**"`:                    domain.DefaultTitle,
		"":                        domain.DefaultTitle,
		"A very long title here!": "A very long title here!",
	}
	for in, want := range cases {
		assert.Equal(t, want, conversation.SanitizeTitle(in), "input %q", in)
	}
}

type failingKV struct{ err error }

func (f failingKV) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingKV) Put(context.Context, string, []byte) error   { return f.err }
func (f failingKV) Delete(context.Context, string) error        { return f.err }
func (f failingKV) Keys(context.Context) ([]string, error)      { return nil, f.err }

// slowKV holds the first Put until release is closed.
type slowKV struct {
	domain.KVStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (k *slowKV) Put(ctx context.Context, key string, value []byte) error {
	k.once.Do(func() {
		close(k.entered)
		<-k.release
	})
	return k.KVStore.Put(ctx, key, value)
}
