// Package store provides the history store contract consumed by the
// pipeline, with interchangeable memory, rotating-file, sqlite and bbolt
// backends.
package store

import (
	"github.com/locuskit/locus/pkg"
)

// Store persists fixes published by the pipeline. Implementations are
// safe for concurrent use. The pipeline never mutates values after
// saving them.
type Store interface {
	// Init prepares the backend; it must be called before any other
	// operation
	Init() error

	// Close releases backend resources; subsequent operations return
	// pkg.ErrStoreClosed
	Close() error

	// Save appends one fix
	Save(fix pkg.Fix) error

	// SaveBatch appends fixes in order as one unit
	SaveBatch(fixes []pkg.Fix) error

	// Latest returns the most recently saved fix
	Latest() (pkg.Fix, bool)

	// QueryByTime returns fixes with from <= timestamp <= to, oldest
	// first
	QueryByTime(from, to int64) ([]pkg.Fix, error)

	// Recent returns up to n most recent fixes, oldest first
	Recent(n int) ([]pkg.Fix, error)

	// Clear removes all stored fixes
	Clear() error

	// Name identifies the backend
	Name() string
}
