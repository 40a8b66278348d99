package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a task record does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrExists is returned when creating a task that already exists.
	ErrExists = errors.New("task already exists")

	// ErrRevisionConflict is returned when a conditional write loses the
	// race: the stored revision no longer matches what was read. The caller
	// retries the whole load-decide-write operation.
	ErrRevisionConflict = errors.New("task revision conflict")
)
