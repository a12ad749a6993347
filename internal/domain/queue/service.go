package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/directory"
	"github.com/clinicq/clinicq/internal/platform/auth"
)

// lockStripes is the size of the striped mutex table serializing mutations
// per queue.
const lockStripes = 64

// maxConflictRetries bounds how many times a mutation is re-run after an
// optimistic-concurrency miss before ErrConflict surfaces to the caller.
const maxConflictRetries = 3

// ewmaWeight is the weight given to the latest observed consult duration
// when folding it into the queue's average wait.
const ewmaWeight = 0.3

// Actor identifies who is performing an operation. The engine performs its
// own role checks even though routes are already gated.
type Actor struct {
	ID   uuid.UUID
	Role string
}

func (a Actor) hasRole(roles ...string) bool {
	if a.Role == auth.RoleAdmin {
		return true
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// DirectoryReader decorates projections with doctor and hospital display
// data. Lookup failures degrade to placeholders, never fail an operation.
type DirectoryReader interface {
	GetHospital(ctx context.Context, id uuid.UUID) (*directory.Hospital, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*directory.Doctor, error)
}

// SnapshotPublisher receives the queue snapshot after every committed
// mutation. Implementations must not block.
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, view *QueueView)
}

// AdvanceExtra carries the optional completion payload.
type AdvanceExtra struct {
	Prescription *string
	FollowUpDate *time.Time
}

// Service is the queue engine: the single writer for queue records and the
// single source of truth for every derived field.
type Service struct {
	repo      Repository
	directory DirectoryReader
	publisher SnapshotPublisher
	log       zerolog.Logger

	locks [lockStripes]sync.Mutex
}

func NewService(repo Repository, dir DirectoryReader, log zerolog.Logger) *Service {
	return &Service{repo: repo, directory: dir, log: log}
}

// SetPublisher attaches the push channel. Called once at wiring time, before
// the service handles requests.
func (s *Service) SetPublisher(p SnapshotPublisher) { s.publisher = p }

// lockFor returns the stripe serializing mutations for one key. Joins key on
// the doctor so the cross-queue duplicate scan never races; other mutations
// key on the queue. Distinct keys may share a stripe; that only costs
// parallelism, never correctness.
func (s *Service) lockFor(key uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(key[:])
	return &s.locks[h.Sum32()%lockStripes]
}

// CreateQueue opens a new active queue for a doctor and date.
func (s *Service) CreateQueue(ctx context.Context, hospitalID, doctorID uuid.UUID, date string, maxPatients int) (*QueueRecord, error) {
	if hospitalID == uuid.Nil {
		return nil, fmt.Errorf("hospital_id is required")
	}
	if doctorID == uuid.Nil {
		return nil, fmt.Errorf("doctor_id is required")
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("date must be YYYY-MM-DD")
	}
	if maxPatients <= 0 {
		maxPatients = DefaultMaxPatients
	}

	q := &QueueRecord{
		HospitalID:         hospitalID,
		DoctorID:           doctorID,
		Date:               date,
		Status:             QueueActive,
		MaxPatients:        maxPatients,
		AverageWaitMinutes: DefaultAverageWaitMinutes,
	}
	if err := s.repo.CreateQueue(ctx, q); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("queue_id", q.ID.String()).
		Str("doctor_id", doctorID.String()).
		Str("date", date).
		Int("max_patients", maxPatients).
		Msg("queue created")

	s.publish(ctx, q.ID)
	return q, nil
}

// Join appends a waiting entry for the patient. Capacity and duplicate checks
// run against the freshly read committed state inside the critical section,
// so two racing joins cannot both pass a stale capacity check. The section is
// keyed on the doctor, not the queue: the duplicate rule spans every queue
// the doctor owns, and a queue-keyed lock would let two joins into different
// queues of one doctor both pass the scan.
func (s *Service) Join(ctx context.Context, queueID uuid.UUID, actor Actor, patientID uuid.UUID, reason string, appointmentTime *time.Time) (*QueueEntry, error) {
	if reason == "" {
		return nil, fmt.Errorf("reason is required")
	}
	if patientID == uuid.Nil {
		patientID = actor.ID
	}
	if actor.Role == auth.RolePatient && patientID != actor.ID {
		return nil, ErrNotAuthorized
	}
	if !actor.hasRole(auth.RolePatient, auth.RoleStaff) {
		return nil, ErrNotAuthorized
	}

	// Unlocked pre-read to learn the owning doctor. State checks rerun on
	// the fresh read inside the lock.
	pre, err := s.repo.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(pre.DoctorID)
	mu.Lock()
	defer mu.Unlock()

	var entry *QueueEntry
	err = s.withRetry(func() error {
		q, err := s.repo.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		if q.Status != QueueActive {
			return ErrQueueNotActive
		}
		waiting := q.WaitingCount()
		if waiting >= q.MaxPatients {
			return ErrQueueFull
		}
		if existing, err := s.findActiveEntry(ctx, q.DoctorID, patientID); err != nil {
			return err
		} else if existing != nil {
			return &AlreadyInQueueError{ExistingStatus: existing.Status}
		}

		entry = &QueueEntry{
			PatientID:            patientID,
			Reason:               reason,
			AppointmentTime:      appointmentTime,
			Status:               EntryWaiting,
			EstimatedWaitMinutes: int(float64(waiting) * q.AverageWaitMinutes),
		}
		return s.repo.AddEntry(ctx, queueID, q.Revision, entry)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("queue_id", queueID.String()).
		Str("entry_id", entry.ID.String()).
		Str("patient_id", patientID.String()).
		Msg("patient joined queue")

	s.publish(ctx, queueID)
	return entry, nil
}

// findActiveEntry scans the doctor's open queues for a waiting or in_progress
// entry belonging to the patient. Dedup is scoped per doctor: the same
// patient may wait at two different doctors simultaneously.
func (s *Service) findActiveEntry(ctx context.Context, doctorID, patientID uuid.UUID) (*QueueEntry, error) {
	queues, err := s.repo.ListActiveQueuesByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	for _, q := range queues {
		if e := q.ActiveEntryFor(patientID); e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// AdvanceStatus moves an entry through its lifecycle. Transition legality,
// role, and the single-consultation rule are all validated against the state
// read inside the critical section; a retried call that finds the entry
// already terminal fails with InvalidTransition rather than double-applying.
func (s *Service) AdvanceStatus(ctx context.Context, queueID, entryID uuid.UUID, actor Actor, newStatus EntryStatus, extra AdvanceExtra) (*QueueEntry, error) {
	mu := s.lockFor(queueID)
	mu.Lock()
	defer mu.Unlock()

	var entry *QueueEntry
	err := s.withRetry(func() error {
		q, err := s.repo.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		e := q.FindEntry(entryID)
		if e == nil {
			return ErrEntryNotFound
		}
		if !CanTransition(e.Status, newStatus) {
			return &TransitionError{From: e.Status, To: newStatus}
		}
		if err := authorizeTransition(actor, e, newStatus); err != nil {
			return err
		}

		var avg *float64
		now := time.Now()
		switch newStatus {
		case EntryInProgress:
			if cur := q.InProgressEntry(); cur != nil {
				return fmt.Errorf("entry %s is already in progress: %w", cur.ID, ErrInvalidTransition)
			}
			e.StartedAt = &now
		case EntryCompleted:
			e.CompletedAt = &now
			if extra.Prescription != nil {
				e.Prescription = extra.Prescription
			}
			if extra.FollowUpDate != nil {
				e.FollowUpDate = extra.FollowUpDate
			}
			if e.StartedAt != nil {
				observed := now.Sub(*e.StartedAt).Minutes()
				updated := (1-ewmaWeight)*q.AverageWaitMinutes + ewmaWeight*observed
				avg = &updated
			}
		}
		e.Status = newStatus

		if err := s.repo.UpdateEntry(ctx, queueID, q.Revision, e, avg); err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("queue_id", queueID.String()).
		Str("entry_id", entryID.String()).
		Str("status", string(newStatus)).
		Str("actor_role", actor.Role).
		Msg("entry status advanced")

	s.publish(ctx, queueID)
	return entry, nil
}

// authorizeTransition applies the per-transition role rules.
func authorizeTransition(actor Actor, e *QueueEntry, to EntryStatus) error {
	switch to {
	case EntryInProgress, EntryNoShow:
		if !actor.hasRole(auth.RoleDoctor, auth.RoleStaff) {
			return ErrNotAuthorized
		}
	case EntryCompleted:
		if !actor.hasRole(auth.RoleDoctor) {
			return ErrNotAuthorized
		}
	case EntryCancelled:
		if actor.hasRole(auth.RoleDoctor, auth.RoleStaff) {
			return nil
		}
		if actor.Role == auth.RolePatient && actor.ID == e.PatientID {
			return nil
		}
		return ErrNotAuthorized
	default:
		return &TransitionError{From: e.Status, To: to}
	}
	return nil
}

// UpdateQueueStatus pauses, resumes, or closes a queue. Closing cancels every
// waiting entry in the same transaction; in_progress and terminal entries are
// untouched.
func (s *Service) UpdateQueueStatus(ctx context.Context, queueID uuid.UUID, actor Actor, newStatus QueueStatus) (*QueueRecord, error) {
	if !actor.hasRole(auth.RoleDoctor, auth.RoleStaff) {
		return nil, ErrNotAuthorized
	}
	switch newStatus {
	case QueueActive, QueuePaused, QueueClosed:
	default:
		return nil, fmt.Errorf("invalid queue status %q: %w", newStatus, ErrInvalidTransition)
	}

	mu := s.lockFor(queueID)
	mu.Lock()
	defer mu.Unlock()

	err := s.withRetry(func() error {
		q, err := s.repo.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		if q.Status == newStatus {
			return nil
		}
		// A closed queue stays closed.
		if q.Status == QueueClosed {
			return fmt.Errorf("queue is closed: %w", ErrInvalidTransition)
		}
		return s.repo.SetQueueStatus(ctx, queueID, q.Revision, newStatus, newStatus == QueueClosed)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("queue_id", queueID.String()).
		Str("status", string(newStatus)).
		Msg("queue status updated")

	s.publish(ctx, queueID)
	return s.repo.GetQueue(ctx, queueID)
}

// ListPatientEntries returns a patient's entries, newest first. Patients may
// only read their own.
func (s *Service) ListPatientEntries(ctx context.Context, actor Actor, patientID uuid.UUID, limit, offset int) ([]*QueueEntry, int, error) {
	if actor.Role == auth.RolePatient && actor.ID != patientID {
		return nil, 0, ErrNotAuthorized
	}
	return s.repo.ListEntriesByPatient(ctx, patientID, limit, offset)
}

// withRetry re-runs op after optimistic-concurrency misses, re-reading fresh
// state each attempt. Every other error surfaces immediately.
func (s *Service) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = op()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.log.Warn().Int("attempt", attempt+1).Msg("revision conflict, retrying")
	}
	return err
}

// publish pushes the latest snapshot to subscribers. Failures are logged and
// swallowed: propagation never fails a committed mutation.
func (s *Service) publish(ctx context.Context, queueID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	view, err := s.GetView(ctx, queueID)
	if err != nil {
		s.log.Warn().Err(err).Str("queue_id", queueID.String()).Msg("failed to build snapshot for push")
		return
	}
	s.publisher.PublishSnapshot(ctx, view)
}
