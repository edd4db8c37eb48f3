package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/PabloGalante/persona-chat/internal/app/conversation"
	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams the session as Server-Sent Events: the current
// snapshot first, then one "session" event per published change, and a
// final "deleted" event if the session goes away. A slow client only
// misses intermediate states; the latest one is always delivered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := domain.SessionID(r.PathValue("id"))
	log := observability.LoggerFromContext(r.Context()).With("session_id", id)

	updates := make(chan conversation.Event, 1)
	cancel := s.svc.Store().Subscribe(func(ev conversation.Event) {
		if ev.Session.ID != id {
			return
		}
		offerLatest(updates, ev)
	})
	defer cancel()

	// Snapshot after subscribing so no publish falls in between.
	sess, ok := s.svc.Session(id)
	if !ok {
		writeError(w, r, domain.ErrSessionNotFound)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := s.writeSessionEvent(w, rc, sess); err != nil {
		return
	}
	log.Debug("event stream opened")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed by client")
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case ev := <-updates:
			if ev.Deleted {
				_, _ = fmt.Fprintf(w, "event: deleted\ndata: {\"id\":%q}\n\n", id)
				_ = rc.Flush()
				return
			}
			if err := s.writeSessionEvent(w, rc, ev.Session); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeSessionEvent(w http.ResponseWriter, rc *http.ResponseController, sess domain.Session) error {
	data, err := json.Marshal(s.toSessionResponse(sess))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: session\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// offerLatest never blocks: a pending event that has not been consumed yet is
// replaced by ev. Deletions are never replaced.
func offerLatest(ch chan conversation.Event, ev conversation.Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	select {
	case old := <-ch:
		if old.Deleted {
			ev = old
		}
	default:
	}

	select {
	case ch <- ev:
	default:
	}
}
