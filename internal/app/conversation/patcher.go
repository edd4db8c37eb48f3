package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

// Patcher drives the model gateway for one submission and writes the reply
// into its placeholder message, addressed by id.
type Patcher struct {
	store   *Store
	gateway domain.ModelGateway
}

func NewPatcher(store *Store, gateway domain.ModelGateway) *Patcher {
	return &Patcher{store: store, gateway: gateway}
}

// Run resolves the placeholder of sub. On a gateway error the placeholder
// keeps whatever it had accumulated, is marked StatusError, and the error is
// returned for the caller to log.
func (p *Patcher) Run(ctx context.Context, sub *Submission, systemInstruction string) error {
	switch sub.Mode {
	case domain.ModeImage:
		return p.image(ctx, sub)
	default:
		return p.stream(ctx, sub, systemInstruction)
	}
}

func (p *Patcher) stream(ctx context.Context, sub *Submission, systemInstruction string) error {
	req := domain.TextRequest{
		Model:             sub.Model,
		History:           sub.History,
		UserText:          sub.Prompt,
		SystemInstruction: systemInstruction,
	}

	t := p.target(sub)
	var acc strings.Builder
	for frag, err := range p.gateway.StreamText(ctx, req) {
		if err != nil {
			t.patch(ctx, func(m *domain.Message) { m.Status = domain.StatusError })
			return fmt.Errorf("stream reply: %w", err)
		}

		acc.WriteString(frag)
		content := acc.String()
		t.patch(ctx, func(m *domain.Message) {
			m.Content = content
			m.Status = domain.StatusStreaming
		})
	}

	t.patch(ctx, func(m *domain.Message) { m.Status = domain.StatusDone })
	return nil
}

func (p *Patcher) image(ctx context.Context, sub *Submission) error {
	t := p.target(sub)

	res, err := p.gateway.GenerateImage(ctx, sub.Prompt)
	if err != nil {
		t.patch(ctx, func(m *domain.Message) { m.Status = domain.StatusError })
		return fmt.Errorf("generate image: %w", err)
	}

	content := res.Text
	if content == "" {
		content = domain.ImageFallbackReply
	}
	imageData := domain.ImageDataURL(res.MIMEType, res.Data)

	t.patch(ctx, func(m *domain.Message) {
		m.Content = content
		m.ImageData = imageData
		m.Status = domain.StatusDone
	})
	return nil
}

func (p *Patcher) target(sub *Submission) *placeholder {
	return &placeholder{
		store:     p.store,
		sessionID: sub.SessionID,
		messageID: sub.Placeholder.ID,
		hint:      len(sub.History) + 1,
	}
}

// placeholder addresses one message in the latest version of its session.
// hint is where the message was last seen; it is only trusted after its id
// has been checked against the current list.
type placeholder struct {
	store     *Store
	sessionID domain.SessionID
	messageID domain.MessageID
	hint      int
	dropped   bool
}

// patch applies fn to the message and republishes the session. When the
// session or the message is gone the update is silently dropped.
func (t *placeholder) patch(ctx context.Context, fn func(m *domain.Message)) bool {
	ok := t.store.UpdateMessages(ctx, t.sessionID, func(msgs []domain.Message) ([]domain.Message, bool) {
		i := t.locate(msgs)
		if i < 0 {
			return nil, false
		}
		t.hint = i
		// msgs is the store's private clone for this update.
		fn(&msgs[i])
		return msgs, true
	})

	if !ok && !t.dropped {
		t.dropped = true
		observability.LoggerFromContext(ctx).Debug("placeholder no longer present, dropping updates",
			"session_id", t.sessionID,
			"message_id", t.messageID,
		)
	}
	return ok
}

func (t *placeholder) locate(msgs []domain.Message) int {
	if t.hint >= 0 && t.hint < len(msgs) && msgs[t.hint].ID == t.messageID {
		return t.hint
	}
	for i := range msgs {
		if msgs[i].ID == t.messageID {
			return i
		}
	}
	return -1
}
