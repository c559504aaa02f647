package bridge

import "errors"

var (
	// ErrDuplicateConnection is returned when a body is begun for a handle
	// that already has one in flight.
	ErrDuplicateConnection = errors.New("bridge: duplicate connection")

	// ErrUnknownConnection marks a protocol violation by the HTTP layer: data
	// or completion for a handle that was never begun, or already finished.
	ErrUnknownConnection = errors.New("bridge: unknown connection")

	// ErrResourceExhausted is returned when a body cannot be buffered within
	// the configured limits.
	ErrResourceExhausted = errors.New("bridge: resource exhausted")
)
