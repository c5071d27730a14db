package model

import "errors"

// Error kinds shared across the session registry and dispatch pipeline.
// Lifecycle errors propagate to callers; dispatch errors are contained and
// only surface as error events.
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrSessionInit      = errors.New("session init failed")
	ErrAlreadyDestroyed = errors.New("session already destroyed")
	ErrSendFailure      = errors.New("send failed")
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrConfigInvalid    = errors.New("invalid config")
)
