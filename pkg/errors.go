package pkg

import "errors"

var (
	// ErrNotRunning is returned by operations that require a running pipeline
	ErrNotRunning = errors.New("pipeline not running")

	// ErrAlreadyRunning is returned by Start on a running pipeline
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrInvalidConfig is returned when configuration validation fails at init
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreClosed is returned by store operations after Close
	ErrStoreClosed = errors.New("store closed")

	// ErrQueueClosed is returned by queue operations after Close
	ErrQueueClosed = errors.New("queue closed")

	// ErrNoLocation is returned when no corrected fix exists yet
	ErrNoLocation = errors.New("no corrected location available")
)
