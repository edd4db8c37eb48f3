package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/PabloGalante/persona-chat/internal/domain"
)

// 1x1 transparent PNG.
var mockPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// MockGateway echoes the user back word by word. Used for local dev and tests.
type MockGateway struct {
	// Delay is slept before each fragment so streaming is visible in a UI.
	Delay time.Duration
}

func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (m *MockGateway) StreamText(ctx context.Context, req domain.TextRequest) iter.Seq2[string, error] {
	reply := fmt.Sprintf("I hear you. You said %q (turn %d on %s).", req.UserText, len(req.History)/2+1, req.Model.Label())
	words := strings.SplitAfter(reply, " ")

	return func(yield func(string, error) bool) {
		for _, w := range words {
			if m.Delay > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(m.Delay):
				}
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}

func (m *MockGateway) GenerateImage(_ context.Context, prompt string) (*domain.ImageResult, error) {
	return &domain.ImageResult{
		Text:     fmt.Sprintf("A tiny picture of %s.", prompt),
		Data:     mockPNG,
		MIMEType: "image/png",
	}, nil
}

func (m *MockGateway) GenerateTitle(_ context.Context, seed string) (string, error) {
	words := strings.Fields(seed)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " "), nil
}

func (m *MockGateway) GenerateSpeech(_ context.Context, text string) ([]byte, error) {
	// Silence: 10ms of 24 kHz mono 16-bit PCM per word.
	return make([]byte, 480*len(strings.Fields(text))), nil
}
