package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrOwnerRequired is returned by orchestration calls without an owner.
	ErrOwnerRequired = errors.New("owner id is required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync engine closed")
)

// MaxRetriesExceededError describes a record evicted from the queue. It is
// published with sync_error events, never returned to callers.
type MaxRetriesExceededError struct {
	ChangeID  string
	Attempts  int
	LastError string
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("change %s dropped after %d attempts: %s", e.ChangeID, e.Attempts, e.LastError)
}

// QueuePersistenceError means the queue snapshot could not be written. The
// in-memory queue stays authoritative; the error is logged and swallowed.
type QueuePersistenceError struct {
	Err error
}

func (e *QueuePersistenceError) Error() string {
	return fmt.Sprintf("persisting queue: %v", e.Err)
}

func (e *QueuePersistenceError) Unwrap() error { return e.Err }
