package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("job not found or expired")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("job is not in a cancellable state")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum allowed size")
	ErrBackendUnavailable = errors.New("backing store unavailable")
)
