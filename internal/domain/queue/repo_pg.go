package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Postgres-backed Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const queueCols = `id, hospital_id, doctor_id, date, status, max_patients,
	average_wait_minutes, revision, created_at, updated_at`

const entryCols = `id, queue_id, patient_id, reason, appointment_time, status,
	estimated_wait_minutes, prescription, follow_up_date, joined_at, started_at, completed_at`

func scanQueue(row pgx.Row) (*QueueRecord, error) {
	var q QueueRecord
	err := row.Scan(&q.ID, &q.HospitalID, &q.DoctorID, &q.Date, &q.Status, &q.MaxPatients,
		&q.AverageWaitMinutes, &q.Revision, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQueueNotFound
	}
	return &q, err
}

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(&e.ID, &e.QueueID, &e.PatientID, &e.Reason, &e.AppointmentTime, &e.Status,
		&e.EstimatedWaitMinutes, &e.Prescription, &e.FollowUpDate, &e.JoinedAt, &e.StartedAt, &e.CompletedAt)
	return &e, err
}

func (r *repoPG) loadEntries(ctx context.Context, queueIDs []uuid.UUID) (map[uuid.UUID][]*QueueEntry, error) {
	if len(queueIDs) == 0 {
		return map[uuid.UUID][]*QueueEntry{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE queue_id = ANY($1) ORDER BY seq`, queueIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byQueue := make(map[uuid.UUID][]*QueueEntry)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		byQueue[e.QueueID] = append(byQueue[e.QueueID], e)
	}
	return byQueue, rows.Err()
}

func (r *repoPG) CreateQueue(ctx context.Context, q *QueueRecord) error {
	q.ID = uuid.New()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO queue (id, hospital_id, doctor_id, date, status, max_patients, average_wait_minutes, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1)
		RETURNING revision, created_at, updated_at`,
		q.ID, q.HospitalID, q.DoctorID, q.Date, q.Status, q.MaxPatients, q.AverageWaitMinutes).
		Scan(&q.Revision, &q.CreatedAt, &q.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicateActiveQueue
	}
	return err
}

func (r *repoPG) GetQueue(ctx context.Context, id uuid.UUID) (*QueueRecord, error) {
	q, err := scanQueue(r.pool.QueryRow(ctx, `SELECT `+queueCols+` FROM queue WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	entries, err := r.loadEntries(ctx, []uuid.UUID{q.ID})
	if err != nil {
		return nil, err
	}
	q.Entries = entries[q.ID]
	return q, nil
}

func (r *repoPG) GetActiveQueueByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) (*QueueRecord, error) {
	q, err := scanQueue(r.pool.QueryRow(ctx, `SELECT `+queueCols+` FROM queue
		WHERE doctor_id = $1 AND date = $2 AND status IN ('active','paused')
		ORDER BY created_at DESC LIMIT 1`, doctorID, date))
	if err != nil {
		return nil, err
	}
	entries, err := r.loadEntries(ctx, []uuid.UUID{q.ID})
	if err != nil {
		return nil, err
	}
	q.Entries = entries[q.ID]
	return q, nil
}

func (r *repoPG) ListQueuesByHospitalDate(ctx context.Context, hospitalID uuid.UUID, date string, limit, offset int) ([]*QueueRecord, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue WHERE hospital_id = $1 AND date = $2`,
		hospitalID, date).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `SELECT `+queueCols+` FROM queue
		WHERE hospital_id = $1 AND date = $2 ORDER BY created_at LIMIT $3 OFFSET $4`,
		hospitalID, date, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var queues []*QueueRecord
	var ids []uuid.UUID
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, 0, err
		}
		queues = append(queues, q)
		ids = append(ids, q.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	entries, err := r.loadEntries(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, q := range queues {
		q.Entries = entries[q.ID]
	}
	return queues, total, nil
}

func (r *repoPG) ListActiveQueuesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*QueueRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+queueCols+` FROM queue
		WHERE doctor_id = $1 AND status IN ('active','paused') ORDER BY created_at`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []*QueueRecord
	var ids []uuid.UUID
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
		ids = append(ids, q.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries, err := r.loadEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, q := range queues {
		q.Entries = entries[q.ID]
	}
	return queues, nil
}

func (r *repoPG) ListEntriesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*QueueEntry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entry WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM queue_entry
		WHERE patient_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// bumpRevision is the optimistic-concurrency gate every mutation passes
// through. Zero rows affected means the revision moved under us.
func bumpRevision(ctx context.Context, tx pgx.Tx, queueID uuid.UUID, expectedRevision int64) error {
	tag, err := tx.Exec(ctx, `UPDATE queue SET revision = revision + 1, updated_at = NOW()
		WHERE id = $1 AND revision = $2`, queueID, expectedRevision)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *repoPG) AddEntry(ctx context.Context, queueID uuid.UUID, expectedRevision int64, e *QueueEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := bumpRevision(ctx, tx, queueID, expectedRevision); err != nil {
		return err
	}

	// doctor_id is denormalized onto the entry so the partial unique index
	// can enforce one active entry per patient and doctor. The index is the
	// final authority on the duplicate rule; the engine's scan only exists
	// to fail early with the existing entry's status.
	e.ID = uuid.New()
	e.QueueID = queueID
	if err := tx.QueryRow(ctx, `
		INSERT INTO queue_entry (id, queue_id, doctor_id, patient_id, reason, appointment_time, status, estimated_wait_minutes)
		SELECT $1, q.id, q.doctor_id, $3, $4, $5, $6, $7 FROM queue q WHERE q.id = $2
		RETURNING joined_at`,
		e.ID, e.QueueID, e.PatientID, e.Reason, e.AppointmentTime, e.Status, e.EstimatedWaitMinutes).
		Scan(&e.JoinedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyInQueue
		}
		return err
	}

	return tx.Commit(ctx)
}

func (r *repoPG) UpdateEntry(ctx context.Context, queueID uuid.UUID, expectedRevision int64, e *QueueEntry, averageWaitMinutes *float64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := bumpRevision(ctx, tx, queueID, expectedRevision); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE queue_entry SET status=$2, prescription=$3, follow_up_date=$4, started_at=$5, completed_at=$6
		WHERE id = $1 AND queue_id = $7`,
		e.ID, e.Status, e.Prescription, e.FollowUpDate, e.StartedAt, e.CompletedAt, queueID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}

	if averageWaitMinutes != nil {
		if _, err := tx.Exec(ctx, `UPDATE queue SET average_wait_minutes = $2 WHERE id = $1`,
			queueID, *averageWaitMinutes); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *repoPG) SetQueueStatus(ctx context.Context, queueID uuid.UUID, expectedRevision int64, status QueueStatus, cancelWaiting bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := bumpRevision(ctx, tx, queueID, expectedRevision); err != nil {
		return err
	}

	// Resuming can collide with an active queue created for the same doctor
	// and date while this one was paused.
	if _, err := tx.Exec(ctx, `UPDATE queue SET status = $2 WHERE id = $1`, queueID, status); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateActiveQueue
		}
		return err
	}

	if cancelWaiting {
		if _, err := tx.Exec(ctx, `UPDATE queue_entry SET status = $2
			WHERE queue_id = $1 AND status = $3`, queueID, EntryCancelled, EntryWaiting); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
