package domain

import (
	"encoding/base64"
	"slices"
)

const (
	// DefaultTitle labels a session until its first exchange has been summarized.
	DefaultTitle = "New Conversation"

	ImagePromptPrefix  = "Generate image: "
	ImagePlaceholder   = "Synthesizing your visual..."
	ImageFallbackReply = "Here is your generated image."
)

// Message is one turn in a session timeline (user or assistant).
type Message struct {
	ID        MessageID     `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	ImageData string        `json:"imageData,omitempty"` // data URL
	Timestamp Timestamp     `json:"timestamp"`
	Status    MessageStatus `json:"status,omitempty"`
}

// Session is one conversation thread with its own history and bound model.
//
// Sessions are treated as immutable values once published: updates build a
// new Messages slice instead of writing into the old one, so a snapshot
// handed to a reader never changes underneath it.
type Session struct {
	ID          SessionID `json:"id"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	Model       ModelID   `json:"model"`
	LastUpdated Timestamp `json:"lastUpdated"`
}

// Clone returns a copy whose Messages slice can be modified freely.
func (s Session) Clone() Session {
	s.Messages = slices.Clone(s.Messages)
	return s
}

// IndexOf returns the position of the message with the given id, or -1.
func (s Session) IndexOf(id MessageID) int {
	return slices.IndexFunc(s.Messages, func(m Message) bool { return m.ID == id })
}

// User is the self-asserted identity of whoever is signed in locally.
type User struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

// ImageDataURL encodes an image payload the way it is stored on a message.
func ImageDataURL(mimeType string, data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
