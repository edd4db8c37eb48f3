package domain

import "errors"

var (
	ErrNotFound = errors.New("key not found")

	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrSessionBusy     = errors.New("session has a reply in flight")

	ErrEmptyMessage = errors.New("message text is empty")
	ErrInvalidMode  = errors.New("invalid mode")
	ErrInvalidModel = errors.New("invalid model")
	ErrInvalidUser  = errors.New("name and email are required")
)
