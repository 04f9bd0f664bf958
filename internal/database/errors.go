package database

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or recording row does not exist
	// or has been soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a recording already has an active job.
	ErrConflict = errors.New("transcription already exists for this recording")

	// ErrStaleStatus is returned by a conditional update whose expected
	// status no longer matches the row.
	ErrStaleStatus = errors.New("transcription status changed")
)

// StoreError wraps a failure of the persistence layer itself (unreachable
// pool, failed statement). It is distinct from ErrNotFound.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
