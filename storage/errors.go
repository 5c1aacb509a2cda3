package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidTransition is returned when a conditional status update finds
	// the row in a state that does not allow the transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)
