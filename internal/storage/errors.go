package storage

import "errors"

var (
	// ErrNotFound is returned when no run has the requested id
	ErrNotFound = errors.New("run not found")
	// ErrDuplicateRun is returned when a run id is saved twice
	ErrDuplicateRun = errors.New("run already stored")
	// ErrInvalidRun is returned for runs that cannot be stored
	ErrInvalidRun = errors.New("invalid run")
)
