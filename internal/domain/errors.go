package domain

import "errors"

var (
	// ErrNotFound marks a missing vehicle, device or task. Units that hit it
	// are skipped, not retried.
	ErrNotFound = errors.New("not found")
)
