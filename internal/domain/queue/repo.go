package queue

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists queue records and their entries. Every mutating method
// takes the revision the caller read; the write fails with ErrConflict when
// the stored revision has moved, and each success bumps the revision by one.
type Repository interface {
	// CreateQueue inserts a new active queue. Returns ErrDuplicateActiveQueue
	// when an active queue already exists for (doctor, date).
	CreateQueue(ctx context.Context, q *QueueRecord) error

	// GetQueue loads a queue with its entries in join order. Returns
	// ErrQueueNotFound when no such queue exists.
	GetQueue(ctx context.Context, id uuid.UUID) (*QueueRecord, error)

	// GetActiveQueueByDoctorDate loads the doctor's active queue for a date.
	// Returns ErrQueueNotFound when none exists.
	GetActiveQueueByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) (*QueueRecord, error)

	// ListQueuesByHospitalDate lists a hospital's queues for a date,
	// entries included.
	ListQueuesByHospitalDate(ctx context.Context, hospitalID uuid.UUID, date string, limit, offset int) ([]*QueueRecord, int, error)

	// ListActiveQueuesByDoctor lists the doctor's active queues with entries.
	// Used for the cross-queue duplicate-join check.
	ListActiveQueuesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*QueueRecord, error)

	// ListEntriesByPatient lists a patient's entries, newest first.
	ListEntriesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*QueueEntry, int, error)

	// AddEntry appends an entry and bumps the queue revision atomically.
	AddEntry(ctx context.Context, queueID uuid.UUID, expectedRevision int64, e *QueueEntry) error

	// UpdateEntry writes an entry's new status and timestamps, optionally
	// updates the queue's average wait, and bumps the revision atomically.
	UpdateEntry(ctx context.Context, queueID uuid.UUID, expectedRevision int64, e *QueueEntry, averageWaitMinutes *float64) error

	// SetQueueStatus writes the queue status and bumps the revision. When
	// cancelWaiting is set, every waiting entry transitions to cancelled in
	// the same transaction.
	SetQueueStatus(ctx context.Context, queueID uuid.UUID, expectedRevision int64, status QueueStatus, cancelWaiting bool) error
}
