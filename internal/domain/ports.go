package domain

import (
	"context"
	"iter"
)

// ModelGateway defines how the core application talks to the generative model service.
type ModelGateway interface {
	// StreamText yields the reply in fragments. The sequence is lazy, finite
	// and can only be ranged over once.
	StreamText(ctx context.Context, req TextRequest) iter.Seq2[string, error]
	GenerateImage(ctx context.Context, prompt string) (*ImageResult, error)
	// GenerateTitle returns the raw summary; callers sanitize it.
	GenerateTitle(ctx context.Context, seed string) (string, error)
	// GenerateSpeech returns 16-bit little-endian PCM, mono, 24 kHz.
	GenerateSpeech(ctx context.Context, text string) ([]byte, error)
}

// TextRequest gives the gateway the history and the new user turn.
type TextRequest struct {
	Model             ModelID
	History           []Message // prior turns, oldest first
	UserText          string
	SystemInstruction string // optional persona
}

// ImageResult is the outcome of a one-shot image generation. Either field may be empty.
type ImageResult struct {
	Text     string
	Data     []byte
	MIMEType string
}

// KVStore is the local durable key-value storage the session state lives in.
type KVStore interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}
