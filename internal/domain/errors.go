package domain

import "errors"

var (
	// ErrTransientSource wraps network or API failures of a change source.
	ErrTransientSource = errors.New("transient source error")
	// ErrPersistence wraps failures writing cursor or cooldown state.
	ErrPersistence = errors.New("persistence write error")
	// ErrDelivery wraps failures invoking the downstream agent.
	ErrDelivery = errors.New("notification delivery error")
	// ErrCursorRegression is returned when a cursor would move backwards.
	ErrCursorRegression = errors.New("cursor regression")
	// ErrUnknownPlatform is returned when no ChatAPI serves a platform.
	ErrUnknownPlatform = errors.New("unknown platform")
)
