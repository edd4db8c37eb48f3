package conversation

import (
	"context"
	"strings"

	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

var titleStripper = strings.NewReplacer(`"`, "", "#", "", "*", "")

// SanitizeTitle strips quotes, hashes and asterisks. It does not truncate.
func SanitizeTitle(raw string) string {
	t := strings.TrimSpace(titleStripper.Replace(raw))
	if t == "" {
		return domain.DefaultTitle
	}
	return t
}

// TitleDeriver names a session after its first exchange.
type TitleDeriver struct {
	store   *Store
	gateway domain.ModelGateway
}

func NewTitleDeriver(store *Store, gateway domain.ModelGateway) *TitleDeriver {
	return &TitleDeriver{store: store, gateway: gateway}
}

// Derive requests a title for sub's session when sub was the session's first
// turn, and reports whether it did. The title lands even if the session is no
// longer active; a deleted session is left alone.
func (d *TitleDeriver) Derive(ctx context.Context, sub *Submission) bool {
	if !sub.FirstTurn {
		return false
	}

	log := observability.LoggerFromContext(ctx).With("session_id", sub.SessionID)

	raw, err := d.gateway.GenerateTitle(ctx, sub.Prompt)
	if err != nil {
		log.Warn("title generation failed, using default", "error", err)
		raw = ""
	}
	title := SanitizeTitle(raw)

	ok := d.store.Update(ctx, sub.SessionID, func(sess *domain.Session) bool {
		sess.Title = title
		return true
	})
	if ok {
		log.Info("session titled", "title", title)
	}
	return true
}
