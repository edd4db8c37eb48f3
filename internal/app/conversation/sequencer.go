package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/PabloGalante/persona-chat/internal/domain"
)

// Submission is a turn that has been placed in a session and is waiting for
// its reply.
type Submission struct {
	SessionID domain.SessionID
	Model     domain.ModelID
	Mode      domain.Mode
	Prompt    string // raw user text, sent to the gateway

	UserMessage domain.Message
	Placeholder domain.Message

	History   []domain.Message // messages before this turn
	FirstTurn bool
}

// Sequencer appends the user message and its assistant placeholder.
type Sequencer struct {
	store *Store
	now   func() time.Time
	newID func() string
}

func NewSequencer(store *Store) *Sequencer {
	return &Sequencer{
		store: store,
		now:   time.Now,
		newID: generateID,
	}
}

// Submit publishes the user message and the placeholder as a single update,
// so no reader ever sees one without the other.
func (q *Sequencer) Submit(ctx context.Context, sessionID domain.SessionID, text string, mode domain.Mode) (*Submission, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyMessage
	}

	userContent := text
	placeholder := ""
	switch mode {
	case domain.ModeChat:
	case domain.ModeImage:
		userContent = domain.ImagePromptPrefix + text
		placeholder = domain.ImagePlaceholder
	default:
		return nil, fmt.Errorf("submit %q: %w", mode, domain.ErrInvalidMode)
	}

	now := q.now()
	sub := &Submission{
		SessionID: sessionID,
		Mode:      mode,
		Prompt:    text,
		UserMessage: domain.Message{
			ID:        domain.MessageID(q.newID()),
			Role:      domain.RoleUser,
			Content:   userContent,
			Timestamp: now,
			Status:    domain.StatusDone,
		},
		Placeholder: domain.Message{
			ID:        domain.MessageID(q.newID()),
			Role:      domain.RoleAssistant,
			Content:   placeholder,
			Timestamp: now,
			Status:    domain.StatusPending,
		},
	}

	ok := q.store.Update(ctx, sessionID, func(sess *domain.Session) bool {
		sub.Model = sess.Model
		sub.History = sess.Messages
		sub.FirstTurn = len(sess.Messages) == 0

		// Clip so the append never writes into History's backing array.
		sess.Messages = append(slices.Clip(sess.Messages), sub.UserMessage, sub.Placeholder)
		sess.LastUpdated = now
		return true
	})
	if !ok {
		return nil, fmt.Errorf("submit to %s: %w", sessionID, domain.ErrSessionNotFound)
	}

	return sub, nil
}
