package domain

import "errors"

// Error taxonomy surfaced by services. Handlers map these to HTTP status codes;
// services wrap them with fmt.Errorf("...: %w", ...) for context.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrUnavailable    = errors.New("unavailable")
	ErrInternal       = errors.New("internal error")
)
