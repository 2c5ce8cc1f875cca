package store

import "errors"

var (
	// ErrAlreadyConfigured is returned when an entry with the same unique id exists.
	ErrAlreadyConfigured = errors.New("store: already configured")

	// ErrNotFound is returned when no entry or state matches the lookup.
	ErrNotFound = errors.New("store: not found")
)
