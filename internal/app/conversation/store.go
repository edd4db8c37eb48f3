package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

const (
	SessionsKey = "persona_ai_sessions"
	UserKey     = "persona_ai_user"
)

// Store is the ordered, persisted collection of sessions, newest first.
//
// Every mutation replaces the affected session with a modified clone and
// rewrites the whole list to the key-value store. Snapshots returned by Get
// and List are never written to again.
type Store struct {
	kv             domain.KVStore
	now            func() time.Time
	persistTimeout time.Duration

	mu        sync.RWMutex
	pubMu     sync.Mutex // orders notifications the same as mutations
	sessions  []domain.Session
	version   uint64
	observers map[int]func(Event)
	nextObs   int

	persistMu sync.Mutex // serializes backend writes outside mu
	persisted uint64     // version of the last write that reached the backend
}

// pending is an immutable list captured at a version, waiting to be written.
type pending struct {
	version  uint64
	sessions []domain.Session
}

// Event is one published change. Deleted events carry the last version.
type Event struct {
	Session domain.Session
	Deleted bool
}

func NewStore(kv domain.KVStore) *Store {
	return &Store{
		kv:             kv,
		now:            time.Now,
		persistTimeout: 5 * time.Second,
		observers:      make(map[int]func(Event)),
	}
}

// SetPersistTimeout bounds each write to the key-value store.
func (s *Store) SetPersistTimeout(d time.Duration) {
	if d > 0 {
		s.persistTimeout = d
	}
}

// Load replaces the in-memory state with the persisted sessions. Missing or
// corrupt data leaves the store empty; only a backend read failure is returned.
func (s *Store) Load(ctx context.Context) error {
	log := observability.LoggerFromContext(ctx)

	data, err := s.kv.Get(ctx, SessionsKey)
	if errors.Is(err, domain.ErrNotFound) {
		s.replace(nil)
		return nil
	}
	if err != nil {
		s.replace(nil)
		return err
	}

	sessions, err := DecodeSessions(data)
	if err != nil {
		log.Error("failed to parse saved sessions", "error", err)
		s.replace(nil)
		return nil
	}

	s.replace(sessions)
	log.Info("sessions loaded", "count", len(sessions))
	return nil
}

func (s *Store) replace(sessions []domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions
}

// DecodeSessions parses the persisted sessions entry.
func DecodeSessions(data []byte) ([]domain.Session, error) {
	var sessions []domain.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Messages == nil {
			sessions[i].Messages = []domain.Message{}
		}
	}
	return sessions, nil
}

// EncodeSessions renders sessions in the persisted layout.
func EncodeSessions(sessions []domain.Session) ([]byte, error) {
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return json.Marshal(sessions)
}

// Get returns a snapshot of the session.
func (s *Store) Get(id domain.SessionID) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return domain.Session{}, false
	}
	return s.sessions[i], true
}

// List returns all sessions, newest first.
func (s *Store) List() []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions)
}

// Search returns the sessions whose title contains query, ignoring case,
// newest first. An empty query matches everything.
func (s *Store) Search(query string) []domain.Session {
	all := s.List()
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all
	}

	out := make([]domain.Session, 0, len(all))
	for _, sess := range all {
		if strings.Contains(strings.ToLower(sess.Title), q) {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Insert puts sess at the front of the list.
func (s *Store) Insert(ctx context.Context, sess domain.Session) {
	if sess.Messages == nil {
		sess.Messages = []domain.Message{}
	}

	s.mu.Lock()
	next := make([]domain.Session, 0, len(s.sessions)+1)
	next = append(next, sess)
	next = append(next, s.sessions...)
	s.sessions = next
	p := s.pendingLocked()
	s.unlockAndNotify(Event{Session: sess})
	s.persist(ctx, p)
}

// Remove deletes the session; it reports whether anything was removed.
func (s *Store) Remove(ctx context.Context, id domain.SessionID) bool {
	s.mu.Lock()

	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	removed := s.sessions[i]
	s.sessions = slices.Delete(slices.Clone(s.sessions), i, i+1)
	p := s.pendingLocked()
	s.unlockAndNotify(Event{Session: removed, Deleted: true})
	s.persist(ctx, p)
	return true
}

// Clear drops every session.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	removed := s.sessions
	s.sessions = nil
	p := s.pendingLocked()

	evs := make([]Event, 0, len(removed))
	for _, sess := range removed {
		evs = append(evs, Event{Session: sess, Deleted: true})
	}
	s.unlockAndNotify(evs...)
	s.persist(ctx, p)
}

// Update applies fn to a clone of the session and publishes the clone when fn
// returns true. It reports false when the session is gone or fn declined.
func (s *Store) Update(ctx context.Context, id domain.SessionID, fn func(sess *domain.Session) bool) bool {
	s.mu.Lock()

	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}

	next := s.sessions[i].Clone()
	if !fn(&next) {
		s.mu.Unlock()
		return false
	}

	sessions := slices.Clone(s.sessions)
	sessions[i] = next
	s.sessions = sessions
	p := s.pendingLocked()
	s.unlockAndNotify(Event{Session: next})
	s.persist(ctx, p)
	return true
}

// UpdateMessages replaces the session's message list via fn and refreshes LastUpdated.
func (s *Store) UpdateMessages(ctx context.Context, id domain.SessionID, fn func(msgs []domain.Message) ([]domain.Message, bool)) bool {
	return s.Update(ctx, id, func(sess *domain.Session) bool {
		msgs, ok := fn(sess.Messages)
		if !ok {
			return false
		}
		sess.Messages = msgs
		sess.LastUpdated = s.now()
		return true
	})
}

// Subscribe registers fn to receive every published change.
// fn runs synchronously on the publishing goroutine, must return quickly and
// must not call back into the store.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// unlockAndNotify releases the write lock and delivers evs to the observers
// registered at the time of the mutation.
func (s *Store) unlockAndNotify(evs ...Event) {
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.mu.Unlock()

	for _, ev := range evs {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *Store) indexOf(id domain.SessionID) int {
	return slices.IndexFunc(s.sessions, func(sess domain.Session) bool { return sess.ID == id })
}

// pendingLocked captures the current list for persist. The caller holds the
// write lock. The slice is never written again, so it can be encoded later.
func (s *Store) pendingLocked() pending {
	s.version++
	return pending{version: s.version, sessions: s.sessions}
}

// persist writes p to the backend without holding the read/write lock, so
// readers are not blocked by slow backends. Writes are serialized and a
// version older than the last one written is skipped, which keeps the
// backend at the newest list. A write failure is logged; memory stays
// authoritative.
func (s *Store) persist(ctx context.Context, p pending) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if p.version <= s.persisted {
		return
	}

	log := observability.LoggerFromContext(ctx)

	data, err := EncodeSessions(p.sessions)
	if err != nil {
		log.Error("failed to encode sessions", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	if err := s.kv.Put(ctx, SessionsKey, data); err != nil {
		log.Error("failed to persist sessions", "error", err, "count", len(p.sessions))
		return
	}
	s.persisted = p.version
	log.Debug("sessions persisted", slog.Int("count", len(p.sessions)), slog.Int("bytes", len(data)))
}
