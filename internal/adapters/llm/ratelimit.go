package llm

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/time/rate"

	"github.com/PabloGalante/persona-chat/internal/domain"
)

// RateLimited wraps a gateway so every call waits for a token first.
// A stream costs one token no matter how many fragments it yields.
type RateLimited struct {
	next    domain.ModelGateway
	limiter *rate.Limiter
}

// NewRateLimited returns next unchanged when rps <= 0.
func NewRateLimited(next domain.ModelGateway, rps float64, burst int) domain.ModelGateway {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", op, err)
	}
	return nil
}

func (r *RateLimited) StreamText(ctx context.Context, req domain.TextRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := r.wait(ctx, "stream"); err != nil {
			yield("", err)
			return
		}
		for frag, err := range r.next.StreamText(ctx, req) {
			if !yield(frag, err) {
				return
			}
		}
	}
}

func (r *RateLimited) GenerateImage(ctx context.Context, prompt string) (*domain.ImageResult, error) {
	if err := r.wait(ctx, "image"); err != nil {
		return nil, err
	}
	return r.next.GenerateImage(ctx, prompt)
}

func (r *RateLimited) GenerateTitle(ctx context.Context, seed string) (string, error) {
	if err := r.wait(ctx, "title"); err != nil {
		return "", err
	}
	return r.next.GenerateTitle(ctx, seed)
}

func (r *RateLimited) GenerateSpeech(ctx context.Context, text string) ([]byte, error) {
	if err := r.wait(ctx, "speech"); err != nil {
		return nil, err
	}
	return r.next.GenerateSpeech(ctx, text)
}
