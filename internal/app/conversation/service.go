package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

// Service owns the active-session pointer and orchestrates session
// lifecycle and turns. It is safe for concurrent use; the single-client
// model still applies: at most one session is active at a time.
type Service struct {
	gateway   domain.ModelGateway
	store     *Store
	identity  *IdentityStore
	sequencer *Sequencer
	patcher   *Patcher
	titles    *TitleDeriver
	now       func() time.Time

	mu       sync.Mutex
	activeID domain.SessionID // "" means no session is active
	model    domain.ModelID
	devMode  bool
	user     *domain.User
	inFlight map[domain.SessionID]*Turn

	turns  sync.WaitGroup
	speech singleflight.Group
}

func NewService(
	gateway domain.ModelGateway,
	store *Store,
	identity *IdentityStore,
	defaultModel domain.ModelID,
) *Service {
	if defaultModel == "" {
		defaultModel = domain.ModelFlash
	}

	return &Service{
		gateway:   gateway,
		store:     store,
		identity:  identity,
		sequencer: NewSequencer(store),
		patcher:   NewPatcher(store, gateway),
		titles:    NewTitleDeriver(store, gateway),
		now:       time.Now,
		model:     defaultModel,
		inFlight:  make(map[domain.SessionID]*Turn),
	}
}

// Load reads the persisted sessions and identity. It is meant to run once
// at startup, before the service is shared.
func (s *Service) Load(ctx context.Context) error {
	if err := s.store.Load(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	user, err := s.identity.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	return nil
}

// Store exposes the session store for read access and subscriptions.
// Observers may run while the service lock is held, so they must not call
// back into the Service.
func (s *Service) Store() *Store {
	return s.store
}

// ─────────────────────────────────────────────
// Session lifecycle
// ─────────────────────────────────────────────

// NewChat creates an empty session bound to the selected model and makes it active.
func (s *Service) NewChat(ctx context.Context) domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newChatLocked(ctx)
}

func (s *Service) newChatLocked(ctx context.Context) domain.SessionID {
	session := domain.Session{
		ID:          domain.SessionID(generateID()),
		Title:       domain.DefaultTitle,
		Messages:    []domain.Message{},
		Model:       s.model,
		LastUpdated: s.now(),
	}

	s.store.Insert(ctx, session)
	s.activeID = session.ID

	observability.LoggerFromContext(ctx).Info("session created",
		"session_id", session.ID,
		"model", session.Model,
	)
	return session.ID
}

// SelectChat makes id the active session. An unknown id leaves no session
// active; it reports whether id was found.
func (s *Service) SelectChat(id domain.SessionID) bool {
	// Checked under mu so a concurrent DeleteChat cannot slip in between.
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store.Get(id); !ok {
		s.activeID = ""
		return false
	}
	s.activeID = id
	return true
}

// DeleteChat removes the session. Deleting an unknown id is a no-op.
// A reply still streaming into it keeps running and its updates are dropped.
func (s *Service) DeleteChat(ctx context.Context, id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store.Remove(ctx, id) {
		observability.LoggerFromContext(ctx).Info("session deleted", "session_id", id)
	}
	if s.activeID == id {
		s.activeID = ""
	}
}

// Login stores u as the signed-in identity. Missing ids and avatars are filled in.
func (s *Service) Login(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == "" || u.Avatar == "" {
		fresh, err := NewUser(u.Name, u.Email)
		if err != nil {
			return domain.User{}, err
		}
		if u.ID == "" {
			u.ID = fresh.ID
		}
		if u.Avatar == "" {
			u.Avatar = fresh.Avatar
		}
	}

	if err := s.identity.Save(ctx, u); err != nil {
		return domain.User{}, err
	}

	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()

	observability.LoggerFromContext(ctx).Info("user signed in", "user_id", u.ID)
	return u, nil
}

// Logout clears the active pointer, every session and the stored identity.
// It cannot be undone. Replies in flight are not cancelled; they drain into
// sessions that no longer exist.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := observability.LoggerFromContext(ctx)

	s.activeID = ""
	s.user = nil
	s.store.Clear(ctx)

	if err := s.identity.Clear(ctx); err != nil {
		log.Error("failed to clear identity", "error", err)
		return err
	}

	log.Info("user signed out")
	return nil
}

// ─────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────

// Turn is a submitted message whose reply is being produced in the background.
type Turn struct {
	SessionID   domain.SessionID
	Mode        domain.Mode
	UserMessage domain.Message
	Placeholder domain.Message

	done chan struct{}
}

// Done is closed once the reply (and the title, on a first turn) has settled,
// successfully or not. The placeholder's Status tells which.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// SendMessage places the user message and its placeholder in the active
// session, creating one if none is active, and returns as soon as both are
// published. The reply is produced in the background and is not cancelled
// when ctx is; gateway failures only show up as StatusError on the placeholder.
func (s *Service) SendMessage(ctx context.Context, text string, mode domain.Mode) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptyMessage
	}
	if mode != domain.ModeChat && mode != domain.ModeImage {
		return nil, domain.ErrInvalidMode
	}

	s.mu.Lock()

	sessionID := s.activeID
	if sessionID == "" {
		sessionID = s.newChatLocked(ctx)
	}

	if _, busy := s.inFlight[sessionID]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("send to %s: %w", sessionID, domain.ErrSessionBusy)
	}

	sub, err := s.sequencer.Submit(ctx, sessionID, text, mode)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	turn := &Turn{
		SessionID:   sub.SessionID,
		Mode:        sub.Mode,
		UserMessage: sub.UserMessage,
		Placeholder: sub.Placeholder,
		done:        make(chan struct{}),
	}
	s.inFlight[sessionID] = turn
	instruction := ""
	if mode == domain.ModeChat {
		instruction = SystemInstruction(s.devMode)
	}
	s.turns.Add(1)

	s.mu.Unlock()

	observability.LoggerFromContext(ctx).Info("message submitted",
		"session_id", sub.SessionID,
		"message_id", sub.Placeholder.ID,
		"mode", mode,
		"model", sub.Model,
	)

	go s.respond(context.WithoutCancel(ctx), turn, sub, instruction)
	return turn, nil
}

func (s *Service) respond(ctx context.Context, turn *Turn, sub *Submission, instruction string) {
	log := observability.LoggerFromContext(ctx).With(
		"session_id", sub.SessionID,
		"message_id", sub.Placeholder.ID,
		"mode", sub.Mode,
	)

	start := s.now()
	if err := s.patcher.Run(ctx, sub, instruction); err != nil {
		log.Error("model gateway failed", "error", err)
	} else {
		log.Info("reply completed", "duration", s.now().Sub(start))
		s.titles.Derive(ctx, sub)
	}

	s.mu.Lock()
	delete(s.inFlight, sub.SessionID)
	s.mu.Unlock()

	close(turn.done)
	s.turns.Done()
}

// Wait blocks until every reply in flight has settled or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speak narrates a message. Concurrent requests for the same message
// content share one gateway call.
func (s *Service) Speak(ctx context.Context, sessionID domain.SessionID, messageID domain.MessageID) ([]byte, error) {
	sess, ok := s.store.Get(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	i := sess.IndexOf(messageID)
	if i < 0 {
		return nil, domain.ErrMessageNotFound
	}
	content := sess.Messages[i].Content
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	key := string(messageID) + "\x00" + content
	// The call is shared, so one waiter leaving must not cancel it for the rest.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.speech.Do(key, func() (any, error) {
		return s.gateway.GenerateSpeech(shared, content)
	})
	if err != nil {
		observability.LoggerFromContext(ctx).Error("speech generation failed",
			"session_id", sessionID,
			"message_id", messageID,
			"error", err,
		)
		return nil, fmt.Errorf("speak %s: %w", messageID, err)
	}
	return v.([]byte), nil
}

// ─────────────────────────────────────────────
// Settings and read access
// ─────────────────────────────────────────────

// SetModel changes the model bound to sessions created from now on.
func (s *Service) SetModel(m domain.ModelID) error {
	m, err := domain.ParseModel(string(m))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.model = m
	s.mu.Unlock()
	return nil
}

func (s *Service) Model() domain.ModelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *Service) SetDevMode(on bool) {
	s.mu.Lock()
	s.devMode = on
	s.mu.Unlock()
}

func (s *Service) DevMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devMode
}

// CurrentUser returns nil when nobody is signed in.
func (s *Service) CurrentUser() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// ActiveID returns "" when no session is active.
func (s *Service) ActiveID() domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Service) ActiveSession() (domain.Session, bool) {
	id := s.ActiveID()
	if id == "" {
		return domain.Session{}, false
	}
	return s.store.Get(id)
}

// ActiveMessages returns the active session's messages, or nil.
func (s *Service) ActiveMessages() []domain.Message {
	sess, ok := s.ActiveSession()
	if !ok {
		return nil
	}
	return sess.Messages
}

func (s *Service) Session(id domain.SessionID) (domain.Session, bool) {
	return s.store.Get(id)
}

// Sessions lists every session, newest first.
func (s *Service) Sessions() []domain.Session {
	return s.store.List()
}

// Search returns the sessions whose title contains query, ignoring case.
func (s *Service) Search(query string) []domain.Session {
	return s.store.Search(query)
}

// InFlight reports whether a reply is still being produced for the session.
func (s *Service) InFlight(id domain.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

func generateID() string {
	return uuid.NewString()
}
