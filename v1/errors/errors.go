// Package errors holds the sentinel errors shared by latch packages.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidConfig is returned when a backend is constructed with missing
	// or malformed parameters.
	ErrInvalidConfig = errors.New("latch: invalid configuration")
	// ErrBackendUnavailable is returned when a backend cannot be reached at
	// construction time.
	ErrBackendUnavailable = errors.New("latch: backend unavailable")

	ErrInvalidLimit    = errors.New("latch: concurrency limit must be at least 1")
	ErrInvalidTaskType = errors.New("latch: invalid task type")
)
