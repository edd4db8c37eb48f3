package domain

import "time"

type SessionID string
type MessageID string
type UserID string

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode selects how a turn is dispatched to the model gateway.
type Mode string

const (
	ModeChat  Mode = "chat"  // streamed text reply
	ModeImage Mode = "image" // one-shot image generation
)

// ParseMode accepts the wire names of a Mode. An empty string means chat.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeChat):
		return ModeChat, nil
	case string(ModeImage):
		return ModeImage, nil
	default:
		return "", ErrInvalidMode
	}
}

// MessageStatus tracks an assistant reply from placeholder to final state.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusDone      MessageStatus = "done"
	StatusError     MessageStatus = "error"
)

// ModelID names a generation model bound to a session.
type ModelID string

const (
	ModelFlash ModelID = "gemini-3-flash-preview"
	ModelPro   ModelID = "gemini-3-pro-preview"
)

// ParseModel accepts the full model name or the short "flash"/"pro" aliases.
func ParseModel(s string) (ModelID, error) {
	switch s {
	case string(ModelFlash), "flash":
		return ModelFlash, nil
	case string(ModelPro), "pro":
		return ModelPro, nil
	default:
		return "", ErrInvalidModel
	}
}

// Label is the short human name shown next to a model.
func (m ModelID) Label() string {
	switch m {
	case ModelFlash:
		return "Flash 3"
	case ModelPro:
		return "Pro 3"
	default:
		return string(m)
	}
}

type Timestamp = time.Time
