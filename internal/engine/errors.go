package engine

import "errors"

// Sentinel errors returned by lifecycle operations. The API layer maps
// these onto HTTP statuses with errors.Is.
var (
	// ErrSessionNotFound is returned for an unknown session identifier.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionActive is the single-session-lock violation: another
	// session is already in a non-idle state.
	ErrSessionActive = errors.New("another session is already active")

	// ErrInvalidTransition is a state violation (start while running,
	// resume while not paused, and so on).
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrOperationInFlight rejects a second pause/resume while the first
	// has not completed.
	ErrOperationInFlight = errors.New("operation in progress")

	// ErrInvalidSpeed rejects a compression factor outside [1, max].
	ErrInvalidSpeed = errors.New("speed out of range")

	// ErrUnknownMode rejects an unrecognized throughput mode.
	ErrUnknownMode = errors.New("unknown throughput mode")
)
