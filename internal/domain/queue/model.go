// Package queue implements the walk-in queue engine: per-doctor daily queue
// records, the per-entry status lifecycle, capacity and duplicate-join
// enforcement, and the snapshot projection served to pollers and pushed to
// WebSocket subscribers.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar-day format a queue is keyed by.
const DateLayout = "2006-01-02"

// DefaultMaxPatients is the capacity applied when queue creation omits one.
const DefaultMaxPatients = 20

// DefaultAverageWaitMinutes seeds the wait estimate before any consult has
// been completed.
const DefaultAverageWaitMinutes = 15.0

// QueueStatus is the lifecycle state of a queue record.
type QueueStatus string

const (
	QueueActive QueueStatus = "active"
	QueuePaused QueueStatus = "paused"
	QueueClosed QueueStatus = "closed"
)

// EntryStatus is the lifecycle state of one patient's entry.
type EntryStatus string

const (
	EntryWaiting    EntryStatus = "waiting"
	EntryInProgress EntryStatus = "in_progress"
	EntryCompleted  EntryStatus = "completed"
	EntryNoShow     EntryStatus = "no_show"
	EntryCancelled  EntryStatus = "cancelled"
)

// IsTerminal reports whether the status ends the entry's lifecycle.
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case EntryCompleted, EntryNoShow, EntryCancelled:
		return true
	}
	return false
}

// entryTransitions is the legal transition table. Role and single-consult
// checks are enforced by the engine on top of this.
var entryTransitions = map[EntryStatus]map[EntryStatus]bool{
	EntryWaiting: {
		EntryInProgress: true,
		EntryNoShow:     true,
		EntryCancelled:  true,
	},
	EntryInProgress: {
		EntryCompleted: true,
		EntryCancelled: true,
	},
}

// CanTransition reports whether from → to is a legal entry transition.
func CanTransition(from, to EntryStatus) bool {
	return entryTransitions[from][to]
}

// QueueRecord is one doctor's queue for one calendar day. Entries are kept in
// join order; that order is never rewritten by status changes, so a waiting
// entry's position is always derivable by filtering.
type QueueRecord struct {
	ID                 uuid.UUID     `json:"id"`
	HospitalID         uuid.UUID     `json:"hospital_id"`
	DoctorID           uuid.UUID     `json:"doctor_id"`
	Date               string        `json:"date"`
	Status             QueueStatus   `json:"status"`
	MaxPatients        int           `json:"max_patients"`
	AverageWaitMinutes float64       `json:"average_wait_minutes"`
	Revision           int64         `json:"revision"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Entries            []*QueueEntry `json:"entries,omitempty"`
}

// QueueEntry is one patient's membership in a queue. Entries are never
// deleted; a terminal status ends the lifecycle.
type QueueEntry struct {
	ID                   uuid.UUID   `json:"id"`
	QueueID              uuid.UUID   `json:"queue_id"`
	PatientID            uuid.UUID   `json:"patient_id"`
	Reason               string      `json:"reason"`
	AppointmentTime      *time.Time  `json:"appointment_time,omitempty"`
	Status               EntryStatus `json:"status"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
	Prescription         *string     `json:"prescription,omitempty"`
	FollowUpDate         *time.Time  `json:"follow_up_date,omitempty"`
	JoinedAt             time.Time   `json:"joined_at"`
	StartedAt            *time.Time  `json:"started_at,omitempty"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
}

// WaitingEntries returns the waiting entries in join order.
func (q *QueueRecord) WaitingEntries() []*QueueEntry {
	var out []*QueueEntry
	for _, e := range q.Entries {
		if e.Status == EntryWaiting {
			out = append(out, e)
		}
	}
	return out
}

// WaitingCount returns the number of waiting entries.
func (q *QueueRecord) WaitingCount() int {
	n := 0
	for _, e := range q.Entries {
		if e.Status == EntryWaiting {
			n++
		}
	}
	return n
}

// InProgressEntry returns the entry currently being consulted, or nil.
// The engine admits at most one.
func (q *QueueRecord) InProgressEntry() *QueueEntry {
	for _, e := range q.Entries {
		if e.Status == EntryInProgress {
			return e
		}
	}
	return nil
}

// FindEntry returns the entry with the given id, or nil.
func (q *QueueRecord) FindEntry(entryID uuid.UUID) *QueueEntry {
	for _, e := range q.Entries {
		if e.ID == entryID {
			return e
		}
	}
	return nil
}

// ActiveEntryFor returns the patient's waiting or in_progress entry in this
// queue, or nil.
func (q *QueueRecord) ActiveEntryFor(patientID uuid.UUID) *QueueEntry {
	for _, e := range q.Entries {
		if e.PatientID == patientID && (e.Status == EntryWaiting || e.Status == EntryInProgress) {
			return e
		}
	}
	return nil
}
