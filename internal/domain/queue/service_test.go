package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/directory"
	"github.com/clinicq/clinicq/internal/platform/auth"
)

// --- mock repository with real revision-CAS semantics ---

type mockRepo struct {
	mu     sync.Mutex
	queues map[uuid.UUID]*QueueRecord
	clock  time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{queues: make(map[uuid.UUID]*QueueRecord), clock: time.Now()}
}

func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func cloneEntry(e *QueueEntry) *QueueEntry {
	c := *e
	return &c
}

func cloneQueue(q *QueueRecord) *QueueRecord {
	c := *q
	c.Entries = make([]*QueueEntry, len(q.Entries))
	for i, e := range q.Entries {
		c.Entries[i] = cloneEntry(e)
	}
	return &c
}

func (m *mockRepo) CreateQueue(_ context.Context, q *QueueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.queues {
		if existing.DoctorID == q.DoctorID && existing.Date == q.Date && existing.Status == QueueActive {
			return ErrDuplicateActiveQueue
		}
	}
	q.ID = uuid.New()
	q.Revision = 1
	q.CreatedAt = m.tick()
	q.UpdatedAt = q.CreatedAt
	m.queues[q.ID] = cloneQueue(q)
	return nil
}

func (m *mockRepo) GetQueue(_ context.Context, id uuid.UUID) (*QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return cloneQueue(q), nil
}

func (m *mockRepo) GetActiveQueueByDoctorDate(_ context.Context, doctorID uuid.UUID, date string) (*QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		if q.DoctorID == doctorID && q.Date == date && q.Status != QueueClosed {
			return cloneQueue(q), nil
		}
	}
	return nil, ErrQueueNotFound
}

func (m *mockRepo) ListQueuesByHospitalDate(_ context.Context, hospitalID uuid.UUID, date string, limit, offset int) ([]*QueueRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueRecord
	for _, q := range m.queues {
		if q.HospitalID == hospitalID && q.Date == date {
			out = append(out, cloneQueue(q))
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListActiveQueuesByDoctor(_ context.Context, doctorID uuid.UUID) ([]*QueueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueRecord
	for _, q := range m.queues {
		if q.DoctorID == doctorID && q.Status != QueueClosed {
			out = append(out, cloneQueue(q))
		}
	}
	return out, nil
}

func (m *mockRepo) ListEntriesByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*QueueEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueEntry
	for _, q := range m.queues {
		for _, e := range q.Entries {
			if e.PatientID == patientID {
				out = append(out, cloneEntry(e))
			}
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) AddEntry(_ context.Context, queueID uuid.UUID, expectedRevision int64, e *QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	if q.Revision != expectedRevision {
		return ErrConflict
	}
	e.ID = uuid.New()
	e.QueueID = queueID
	e.JoinedAt = m.tick()
	q.Entries = append(q.Entries, cloneEntry(e))
	q.Revision++
	return nil
}

func (m *mockRepo) UpdateEntry(_ context.Context, queueID uuid.UUID, expectedRevision int64, e *QueueEntry, averageWaitMinutes *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	if q.Revision != expectedRevision {
		return ErrConflict
	}
	for i, stored := range q.Entries {
		if stored.ID == e.ID {
			q.Entries[i] = cloneEntry(e)
			if averageWaitMinutes != nil {
				q.AverageWaitMinutes = *averageWaitMinutes
			}
			q.Revision++
			return nil
		}
	}
	return ErrEntryNotFound
}

func (m *mockRepo) SetQueueStatus(_ context.Context, queueID uuid.UUID, expectedRevision int64, status QueueStatus, cancelWaiting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return ErrQueueNotFound
	}
	if q.Revision != expectedRevision {
		return ErrConflict
	}
	q.Status = status
	if cancelWaiting {
		for _, e := range q.Entries {
			if e.Status == EntryWaiting {
				e.Status = EntryCancelled
			}
		}
	}
	q.Revision++
	return nil
}

// flakyRepo injects revision conflicts into AddEntry to exercise the retry
// loop.
type flakyRepo struct {
	*mockRepo
	conflicts int
}

func (f *flakyRepo) AddEntry(ctx context.Context, queueID uuid.UUID, expectedRevision int64, e *QueueEntry) error {
	if f.conflicts > 0 {
		f.conflicts--
		return ErrConflict
	}
	return f.mockRepo.AddEntry(ctx, queueID, expectedRevision, e)
}

// latentRepo delays the cross-queue duplicate scan, standing in for a real
// database round trip.
type latentRepo struct {
	*mockRepo
	delay time.Duration
}

func (l *latentRepo) ListActiveQueuesByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*QueueRecord, error) {
	time.Sleep(l.delay)
	return l.mockRepo.ListActiveQueuesByDoctor(ctx, doctorID)
}

// --- directory stubs ---

type stubDirectory struct{ fail bool }

func (d *stubDirectory) GetHospital(_ context.Context, id uuid.UUID) (*directory.Hospital, error) {
	if d.fail {
		return nil, fmt.Errorf("directory unavailable")
	}
	return &directory.Hospital{ID: id, Name: "City General"}, nil
}

func (d *stubDirectory) GetDoctor(_ context.Context, id uuid.UUID) (*directory.Doctor, error) {
	if d.fail {
		return nil, fmt.Errorf("directory unavailable")
	}
	return &directory.Doctor{ID: id, FirstName: "Asha", LastName: "Rao", Specialization: "General Medicine"}, nil
}

// capturePublisher records pushed snapshots.
type capturePublisher struct {
	mu    sync.Mutex
	views []*QueueView
}

func (p *capturePublisher) PublishSnapshot(_ context.Context, view *QueueView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.views = append(p.views, view)
}

func (p *capturePublisher) last() *QueueView {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.views) == 0 {
		return nil
	}
	return p.views[len(p.views)-1]
}

// --- helpers ---

var (
	staffActor  = Actor{ID: uuid.New(), Role: auth.RoleStaff}
	doctorActor = Actor{ID: uuid.New(), Role: auth.RoleDoctor}
)

func patientActor(id uuid.UUID) Actor { return Actor{ID: id, Role: auth.RolePatient} }

func newTestEngine(t *testing.T) (*Service, *mockRepo) {
	t.Helper()
	repo := newMockRepo()
	return NewService(repo, &stubDirectory{}, zerolog.Nop()), repo
}

func mustCreateQueue(t *testing.T, svc *Service, maxPatients int) *QueueRecord {
	t.Helper()
	q, err := svc.CreateQueue(context.Background(), uuid.New(), uuid.New(), "2025-05-01", maxPatients)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return q
}

func mustJoin(t *testing.T, svc *Service, queueID uuid.UUID, patientID uuid.UUID) *QueueEntry {
	t.Helper()
	e, err := svc.Join(context.Background(), queueID, patientActor(patientID), patientID, "checkup", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

// --- queue creation ---

func TestCreateQueue_Defaults(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 0)
	if q.Status != QueueActive {
		t.Errorf("expected active queue, got %s", q.Status)
	}
	if q.MaxPatients != DefaultMaxPatients {
		t.Errorf("expected default capacity %d, got %d", DefaultMaxPatients, q.MaxPatients)
	}
	if q.AverageWaitMinutes != DefaultAverageWaitMinutes {
		t.Errorf("expected default average wait, got %f", q.AverageWaitMinutes)
	}
	if q.Revision != 1 {
		t.Errorf("expected revision 1, got %d", q.Revision)
	}
}

func TestCreateQueue_DuplicateActive(t *testing.T) {
	svc, _ := newTestEngine(t)
	doctorID := uuid.New()
	hospitalID := uuid.New()
	if _, err := svc.CreateQueue(context.Background(), hospitalID, doctorID, "2025-05-01", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.CreateQueue(context.Background(), hospitalID, doctorID, "2025-05-01", 10)
	if !errors.Is(err, ErrDuplicateActiveQueue) {
		t.Fatalf("expected ErrDuplicateActiveQueue, got %v", err)
	}
}

func TestCreateQueue_InvalidDate(t *testing.T) {
	svc, _ := newTestEngine(t)
	_, err := svc.CreateQueue(context.Background(), uuid.New(), uuid.New(), "05/01/2025", 10)
	if err == nil {
		t.Fatal("expected error for malformed date")
	}
}

// --- joining ---

func TestJoin_AppendsWaitingWithEstimate(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)

	first := mustJoin(t, svc, q.ID, uuid.New())
	if first.Status != EntryWaiting {
		t.Errorf("expected waiting, got %s", first.Status)
	}
	if first.EstimatedWaitMinutes != 0 {
		t.Errorf("expected estimate 0 for first join, got %d", first.EstimatedWaitMinutes)
	}

	second := mustJoin(t, svc, q.ID, uuid.New())
	want := int(1 * DefaultAverageWaitMinutes)
	if second.EstimatedWaitMinutes != want {
		t.Errorf("expected estimate %d for second join, got %d", want, second.EstimatedWaitMinutes)
	}
}

func TestJoin_QueueFull(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 2)

	mustJoin(t, svc, q.ID, uuid.New())
	mustJoin(t, svc, q.ID, uuid.New())

	p3 := uuid.New()
	_, err := svc.Join(context.Background(), q.ID, patientActor(p3), p3, "checkup", nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestJoin_PausedQueueRejected(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)
	if _, err := svc.UpdateQueueStatus(context.Background(), q.ID, staffActor, QueuePaused); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := uuid.New()
	_, err := svc.Join(context.Background(), q.ID, patientActor(p), p, "checkup", nil)
	if !errors.Is(err, ErrQueueNotActive) {
		t.Fatalf("expected ErrQueueNotActive, got %v", err)
	}
}

func TestJoin_DuplicateSameQueue(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)
	p := uuid.New()
	mustJoin(t, svc, q.ID, p)

	_, err := svc.Join(context.Background(), q.ID, patientActor(p), p, "checkup again", nil)
	if !errors.Is(err, ErrAlreadyInQueue) {
		t.Fatalf("expected ErrAlreadyInQueue, got %v", err)
	}
	var dup *AlreadyInQueueError
	if !errors.As(err, &dup) {
		t.Fatal("expected AlreadyInQueueError with existing status")
	}
	if dup.ExistingStatus != EntryWaiting {
		t.Errorf("expected existing status waiting, got %s", dup.ExistingStatus)
	}
}

func TestJoin_DuplicateAcrossDoctorQueues(t *testing.T) {
	svc, _ := newTestEngine(t)
	doctorID := uuid.New()
	hospitalID := uuid.New()
	q1, err := svc.CreateQueue(context.Background(), hospitalID, doctorID, "2025-05-01", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q2, err := svc.CreateQueue(context.Background(), hospitalID, doctorID, "2025-05-02", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := uuid.New()
	mustJoin(t, svc, q1.ID, p)

	// Same patient, same doctor, different queue: still a duplicate.
	_, err = svc.Join(context.Background(), q2.ID, patientActor(p), p, "checkup", nil)
	if !errors.Is(err, ErrAlreadyInQueue) {
		t.Fatalf("expected ErrAlreadyInQueue across queues, got %v", err)
	}
}

func TestJoin_SamePatientDifferentDoctorsAllowed(t *testing.T) {
	svc, _ := newTestEngine(t)
	qA := mustCreateQueue(t, svc, 5)
	qB := mustCreateQueue(t, svc, 5)

	p := uuid.New()
	mustJoin(t, svc, qA.ID, p)
	// Dedup is scoped per doctor, not hospital-wide.
	mustJoin(t, svc, qB.ID, p)
}

func TestJoin_PatientCannotJoinForAnother(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)

	_, err := svc.Join(context.Background(), q.ID, patientActor(uuid.New()), uuid.New(), "checkup", nil)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestJoin_StaffJoinsOnBehalf(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)

	p := uuid.New()
	e, err := svc.Join(context.Background(), q.ID, staffActor, p, "walk-in", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.PatientID != p {
		t.Errorf("expected entry for patient %s, got %s", p, e.PatientID)
	}
}

func TestJoin_ConcurrentRespectsCapacity(t *testing.T) {
	svc, _ := newTestEngine(t)
	const capacity = 5
	const attempts = 20
	q := mustCreateQueue(t, svc, capacity)

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := uuid.New()
			_, errs[i] = svc.Join(context.Background(), q.ID, patientActor(p), p, "checkup", nil)
		}(i)
	}
	wg.Wait()

	joined, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			joined++
		case errors.Is(err, ErrQueueFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if joined != capacity {
		t.Errorf("expected exactly %d successful joins, got %d", capacity, joined)
	}
	if full != attempts-capacity {
		t.Errorf("expected %d QueueFull rejections, got %d", attempts-capacity, full)
	}

	view, err := svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Counts.Waiting != capacity {
		t.Errorf("expected %d waiting in view, got %d", capacity, view.Counts.Waiting)
	}
}

func TestJoin_ConcurrentAcrossDoctorQueues(t *testing.T) {
	// One patient races to join two queues owned by the same doctor. The
	// duplicate scan reads both queues while the write lands in only one,
	// so joins must serialize per doctor, not per queue. The repo delay
	// widens the window a stale scan would slip through.
	repo := &latentRepo{mockRepo: newMockRepo(), delay: 5 * time.Millisecond}
	svc := NewService(repo, &stubDirectory{}, zerolog.Nop())

	hospitalID := uuid.New()
	doctorID := uuid.New()
	q1, err := svc.CreateQueue(context.Background(), hospitalID, doctorID, "2025-05-01", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q2, err := svc.CreateQueue(context.Background(), hospitalID, doctorID, "2025-05-02", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	patientID := uuid.New()
	results := make(chan error, 2)
	for _, queueID := range []uuid.UUID{q1.ID, q2.ID} {
		go func(id uuid.UUID) {
			_, err := svc.Join(context.Background(), id, patientActor(patientID), patientID, "checkup", nil)
			results <- err
		}(queueID)
	}

	joined, rejected := 0, 0
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			joined++
		case errors.Is(err, ErrAlreadyInQueue):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if joined != 1 || rejected != 1 {
		t.Fatalf("expected exactly one join to win, got %d joined and %d rejected", joined, rejected)
	}
}

func TestJoin_RetriesOnConflict(t *testing.T) {
	base := newMockRepo()
	repo := &flakyRepo{mockRepo: base, conflicts: 2}
	svc := NewService(repo, &stubDirectory{}, zerolog.Nop())

	q := mustCreateQueue(t, svc, 5)
	p := uuid.New()
	if _, err := svc.Join(context.Background(), q.ID, patientActor(p), p, "checkup", nil); err != nil {
		t.Fatalf("expected join to succeed after retries, got %v", err)
	}
}

func TestJoin_ConflictSurfacesAfterRetriesExhausted(t *testing.T) {
	base := newMockRepo()
	repo := &flakyRepo{mockRepo: base, conflicts: maxConflictRetries + 1}
	svc := NewService(repo, &stubDirectory{}, zerolog.Nop())

	q := mustCreateQueue(t, svc, 5)
	p := uuid.New()
	_, err := svc.Join(context.Background(), q.ID, patientActor(p), p, "checkup", nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after exhausted retries, got %v", err)
	}
}

// --- status transitions ---

func TestAdvance_WorkedExample(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 2)

	p1, p2 := uuid.New(), uuid.New()
	e1 := mustJoin(t, svc, q.ID, p1)
	e2 := mustJoin(t, svc, q.ID, p2)

	p3 := uuid.New()
	if _, err := svc.Join(context.Background(), q.ID, patientActor(p3), p3, "checkup", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected third join to hit capacity, got %v", err)
	}

	// Staff starts the first patient.
	started, err := svc.AdvanceStatus(context.Background(), q.ID, e1.ID, staffActor, EntryInProgress, AdvanceExtra{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if started.StartedAt == nil {
		t.Error("expected started_at to be set")
	}

	// The second patient moves up to position 0.
	view, err := svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.Waiting) != 1 || view.Waiting[0].ID != e2.ID || view.Waiting[0].Position != 0 {
		t.Fatalf("expected p2 waiting at position 0, got %+v", view.Waiting)
	}

	// The doctor completes with a prescription.
	rx := "rest"
	done, err := svc.AdvanceStatus(context.Background(), q.ID, e1.ID, doctorActor, EntryCompleted, AdvanceExtra{Prescription: &rx})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if done.Prescription == nil || *done.Prescription != "rest" {
		t.Error("expected prescription to be recorded")
	}

	// The second patient can now be started.
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e2.ID, doctorActor, EntryInProgress, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdvance_SingleConsultationAtATime(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)
	e1 := mustJoin(t, svc, q.ID, uuid.New())
	e2 := mustJoin(t, svc, q.ID, uuid.New())

	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e1.ID, doctorActor, EntryInProgress, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.AdvanceStatus(context.Background(), q.ID, e2.ID, doctorActor, EntryInProgress, AdvanceExtra{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while another consult is running, got %v", err)
	}
}

func TestAdvance_CompleteOnlyFromInProgress(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 10)

	prepare := func(target EntryStatus) uuid.UUID {
		e := mustJoin(t, svc, q.ID, uuid.New())
		switch target {
		case EntryWaiting:
		case EntryNoShow, EntryCancelled:
			if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, staffActor, target, AdvanceExtra{}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case EntryCompleted:
			if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, doctorActor, EntryInProgress, AdvanceExtra{}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, doctorActor, EntryCompleted, AdvanceExtra{}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		return e.ID
	}

	for _, from := range []EntryStatus{EntryWaiting, EntryCompleted, EntryNoShow, EntryCancelled} {
		entryID := prepare(from)
		_, err := svc.AdvanceStatus(context.Background(), q.ID, entryID, doctorActor, EntryCompleted, AdvanceExtra{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("complete from %s: expected ErrInvalidTransition, got %v", from, err)
		}
	}
}

func TestAdvance_RoleChecks(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 10)

	owner := uuid.New()
	e := mustJoin(t, svc, q.ID, owner)

	// A patient cannot start a consultation.
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, patientActor(owner), EntryInProgress, AdvanceExtra{}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("patient start: expected ErrNotAuthorized, got %v", err)
	}

	// Another patient cannot cancel someone else's entry.
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, patientActor(uuid.New()), EntryCancelled, AdvanceExtra{}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("foreign cancel: expected ErrNotAuthorized, got %v", err)
	}

	// The owning patient may cancel.
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, patientActor(owner), EntryCancelled, AdvanceExtra{}); err != nil {
		t.Errorf("owner cancel: unexpected error: %v", err)
	}

	// Staff cannot complete; only the doctor can.
	e2 := mustJoin(t, svc, q.ID, uuid.New())
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e2.ID, staffActor, EntryInProgress, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e2.ID, staffActor, EntryCompleted, AdvanceExtra{}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("staff complete: expected ErrNotAuthorized, got %v", err)
	}

	// Admin passes every role gate.
	admin := Actor{ID: uuid.New(), Role: auth.RoleAdmin}
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e2.ID, admin, EntryCompleted, AdvanceExtra{}); err != nil {
		t.Errorf("admin complete: unexpected error: %v", err)
	}
}

func TestAdvance_EntryNotFound(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)
	_, err := svc.AdvanceStatus(context.Background(), q.ID, uuid.New(), doctorActor, EntryInProgress, AdvanceExtra{})
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestAdvance_CompletionUpdatesAverageWait(t *testing.T) {
	svc, repo := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)
	e := mustJoin(t, svc, q.ID, uuid.New())

	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, doctorActor, EntryInProgress, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, doctorActor, EntryCompleted, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := repo.GetQueue(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The observed consult was near-instant, so the average folds toward zero.
	if stored.AverageWaitMinutes >= DefaultAverageWaitMinutes {
		t.Errorf("expected average wait below the default after a fast consult, got %f", stored.AverageWaitMinutes)
	}
	if stored.AverageWaitMinutes <= 0 {
		t.Errorf("expected average wait to stay positive, got %f", stored.AverageWaitMinutes)
	}
}

// --- queue status ---

func TestUpdateQueueStatus_PauseResume(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)

	paused, err := svc.UpdateQueueStatus(context.Background(), q.ID, doctorActor, QueuePaused)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if paused.Status != QueuePaused {
		t.Errorf("expected paused, got %s", paused.Status)
	}

	resumed, err := svc.UpdateQueueStatus(context.Background(), q.ID, doctorActor, QueueActive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.Status != QueueActive {
		t.Errorf("expected active, got %s", resumed.Status)
	}
}

func TestUpdateQueueStatus_PatientForbidden(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)
	_, err := svc.UpdateQueueStatus(context.Background(), q.ID, patientActor(uuid.New()), QueuePaused)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestClose_CancelsWaitingOnly(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 10)

	inProgress := mustJoin(t, svc, q.ID, uuid.New())
	completed := mustJoin(t, svc, q.ID, uuid.New())
	waiting := mustJoin(t, svc, q.ID, uuid.New())

	if _, err := svc.AdvanceStatus(context.Background(), q.ID, completed.ID, doctorActor, EntryInProgress, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, completed.ID, doctorActor, EntryCompleted, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, inProgress.ID, doctorActor, EntryInProgress, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closed, err := svc.UpdateQueueStatus(context.Background(), q.ID, doctorActor, QueueClosed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.Status != QueueClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}

	statuses := map[uuid.UUID]EntryStatus{}
	for _, e := range closed.Entries {
		statuses[e.ID] = e.Status
	}
	if statuses[waiting.ID] != EntryCancelled {
		t.Errorf("expected waiting entry cancelled, got %s", statuses[waiting.ID])
	}
	if statuses[inProgress.ID] != EntryInProgress {
		t.Errorf("expected in_progress entry untouched, got %s", statuses[inProgress.ID])
	}
	if statuses[completed.ID] != EntryCompleted {
		t.Errorf("expected completed entry untouched, got %s", statuses[completed.ID])
	}

	// A closed queue stays closed.
	if _, err := svc.UpdateQueueStatus(context.Background(), q.ID, doctorActor, QueueActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition reopening closed queue, got %v", err)
	}
}

// --- views and propagation ---

func TestView_PositionStableUnderStatusChanges(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 10)

	e1 := mustJoin(t, svc, q.ID, uuid.New())
	e2 := mustJoin(t, svc, q.ID, uuid.New())
	e3 := mustJoin(t, svc, q.ID, uuid.New())

	// Knock out the middle entry; the third moves to position 1 and the
	// relative order of survivors is unchanged.
	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e2.ID, staffActor, EntryNoShow, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	view, err := svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.Waiting) != 2 {
		t.Fatalf("expected 2 waiting, got %d", len(view.Waiting))
	}
	if view.Waiting[0].ID != e1.ID || view.Waiting[0].Position != 0 {
		t.Errorf("expected e1 at position 0, got %+v", view.Waiting[0])
	}
	if view.Waiting[1].ID != e3.ID || view.Waiting[1].Position != 1 {
		t.Errorf("expected e3 at position 1, got %+v", view.Waiting[1])
	}
}

func TestView_ReflectsMutationImmediately(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)

	e := mustJoin(t, svc, q.ID, uuid.New())
	view, err := svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Counts.Waiting != 1 || view.Waiting[0].ID != e.ID {
		t.Fatal("expected the join to be visible on the next read")
	}

	if _, err := svc.AdvanceStatus(context.Background(), q.ID, e.ID, doctorActor, EntryInProgress, AdvanceExtra{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view, err = svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.InProgress == nil || view.InProgress.ID != e.ID {
		t.Fatal("expected the transition to be visible on the next read")
	}
}

func TestView_DecoratedFromDirectory(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)

	view, err := svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.DoctorName != "Asha Rao" {
		t.Errorf("expected decorated doctor name, got %q", view.DoctorName)
	}
	if view.HospitalName != "City General" {
		t.Errorf("expected decorated hospital name, got %q", view.HospitalName)
	}
}

func TestView_PlaceholdersOnDirectoryFailure(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, &stubDirectory{fail: true}, zerolog.Nop())
	q := mustCreateQueue(t, svc, 5)

	view, err := svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("directory failure must not fail the operation: %v", err)
	}
	if view.DoctorName != placeholderDoctor {
		t.Errorf("expected %q, got %q", placeholderDoctor, view.DoctorName)
	}
	if view.HospitalName != placeholderHospital {
		t.Errorf("expected %q, got %q", placeholderHospital, view.HospitalName)
	}
}

func TestPublisher_ReceivesSnapshotPerMutation(t *testing.T) {
	svc, _ := newTestEngine(t)
	pub := &capturePublisher{}
	svc.SetPublisher(pub)

	q := mustCreateQueue(t, svc, 5)
	e := mustJoin(t, svc, q.ID, uuid.New())

	snap := pub.last()
	if snap == nil {
		t.Fatal("expected a pushed snapshot after join")
	}
	if snap.Counts.Waiting != 1 || snap.Waiting[0].ID != e.ID {
		t.Fatalf("pushed snapshot out of sync with mutation: %+v", snap.Counts)
	}

	// The pushed payload and the poll path serve the same projection.
	polled, err := svc.GetView(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if polled.Revision != snap.Revision {
		t.Errorf("expected identical revisions, poll=%d push=%d", polled.Revision, snap.Revision)
	}
}

// --- patient entries ---

func TestListPatientEntries_ScopedToSelf(t *testing.T) {
	svc, _ := newTestEngine(t)
	q := mustCreateQueue(t, svc, 5)
	p := uuid.New()
	mustJoin(t, svc, q.ID, p)

	_, _, err := svc.ListPatientEntries(context.Background(), patientActor(uuid.New()), p, 20, 0)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for foreign patient, got %v", err)
	}

	items, total, err := svc.ListPatientEntries(context.Background(), patientActor(p), p, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected 1 entry, got total=%d len=%d", total, len(items))
	}

	// Staff may read any patient's entries.
	if _, _, err := svc.ListPatientEntries(context.Background(), staffActor, p, 20, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
