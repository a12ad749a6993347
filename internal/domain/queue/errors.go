package queue

import (
	"errors"
	"fmt"
)

// Engine errors. Each kind surfaces to the caller unchanged so the client can
// render a precise message; handlers map them to HTTP statuses.
var (
	ErrQueueNotFound        = errors.New("queue not found")
	ErrDuplicateActiveQueue = errors.New("an active queue already exists for this doctor and date")
	ErrQueueNotActive       = errors.New("queue is not accepting new patients")
	ErrQueueFull            = errors.New("queue is at capacity")
	ErrAlreadyInQueue       = errors.New("patient already has an active entry with this doctor")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNotAuthorized        = errors.New("not authorized for this operation")
	ErrEntryNotFound        = errors.New("queue entry not found")

	// ErrConflict is an optimistic-concurrency miss: the stored revision moved
	// between read and write. The engine retries the whole operation against
	// fresh state a bounded number of times before surfacing it.
	ErrConflict = errors.New("queue was modified concurrently")
)

// AlreadyInQueueError reports the status of the entry that blocked a join.
// It unwraps to ErrAlreadyInQueue.
type AlreadyInQueueError struct {
	ExistingStatus EntryStatus
}

func (e *AlreadyInQueueError) Error() string {
	return fmt.Sprintf("patient already has a %s entry with this doctor", e.ExistingStatus)
}

func (e *AlreadyInQueueError) Unwrap() error { return ErrAlreadyInQueue }

// TransitionError reports which transition was rejected. It unwraps to
// ErrInvalidTransition.
type TransitionError struct {
	From EntryStatus
	To   EntryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
