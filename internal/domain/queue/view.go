package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Placeholder display values used when directory decoration fails.
const (
	placeholderDoctor   = "Unknown Doctor"
	placeholderHospital = "Unknown Hospital"
)

// EntryView is one entry as shown to observers. Position is the zero-based
// rank among waiting entries in join order; it is -1 for non-waiting entries.
type EntryView struct {
	ID                   uuid.UUID   `json:"id"`
	PatientID            uuid.UUID   `json:"patient_id"`
	Reason               string      `json:"reason"`
	AppointmentTime      *time.Time  `json:"appointment_time,omitempty"`
	Status               EntryStatus `json:"status"`
	Position             int         `json:"position"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
	Prescription         *string     `json:"prescription,omitempty"`
	FollowUpDate         *time.Time  `json:"follow_up_date,omitempty"`
	JoinedAt             time.Time   `json:"joined_at"`
	StartedAt            *time.Time  `json:"started_at,omitempty"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
}

// ViewCounts summarizes entry statuses.
type ViewCounts struct {
	Waiting    int `json:"waiting"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	NoShow     int `json:"no_show"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// QueueView is the snapshot served to pollers and pushed to subscribers.
// Both paths are generated from the same projection so they can never
// diverge.
type QueueView struct {
	QueueID            uuid.UUID   `json:"queue_id"`
	HospitalID         uuid.UUID   `json:"hospital_id"`
	HospitalName       string      `json:"hospital_name"`
	DoctorID           uuid.UUID   `json:"doctor_id"`
	DoctorName         string      `json:"doctor_name"`
	Specialization     string      `json:"specialization,omitempty"`
	Date               string      `json:"date"`
	Status             QueueStatus `json:"status"`
	MaxPatients        int         `json:"max_patients"`
	AverageWaitMinutes float64     `json:"average_wait_minutes"`
	Revision           int64       `json:"revision"`
	Waiting            []EntryView `json:"waiting"`
	InProgress         *EntryView  `json:"in_progress,omitempty"`
	Finished           []EntryView `json:"finished"`
	Counts             ViewCounts  `json:"counts"`
}

func entryView(e *QueueEntry, position, estimate int) EntryView {
	return EntryView{
		ID:                   e.ID,
		PatientID:            e.PatientID,
		Reason:               e.Reason,
		AppointmentTime:      e.AppointmentTime,
		Status:               e.Status,
		Position:             position,
		EstimatedWaitMinutes: estimate,
		Prescription:         e.Prescription,
		FollowUpDate:         e.FollowUpDate,
		JoinedAt:             e.JoinedAt,
		StartedAt:            e.StartedAt,
		CompletedAt:          e.CompletedAt,
	}
}

// Project derives every observer-facing field from a queue record. Waiting
// positions are recomputed on every call, so an entry's position shifts down
// as earlier entries leave the waiting state.
func Project(q *QueueRecord) *QueueView {
	view := &QueueView{
		QueueID:            q.ID,
		HospitalID:         q.HospitalID,
		DoctorID:           q.DoctorID,
		Date:               q.Date,
		Status:             q.Status,
		MaxPatients:        q.MaxPatients,
		AverageWaitMinutes: q.AverageWaitMinutes,
		Revision:           q.Revision,
		Waiting:            []EntryView{},
		Finished:           []EntryView{},
	}

	position := 0
	for _, e := range q.Entries {
		view.Counts.Total++
		switch e.Status {
		case EntryWaiting:
			estimate := int(float64(position) * q.AverageWaitMinutes)
			view.Waiting = append(view.Waiting, entryView(e, position, estimate))
			view.Counts.Waiting++
			position++
		case EntryInProgress:
			ev := entryView(e, -1, 0)
			view.InProgress = &ev
			view.Counts.InProgress++
		case EntryCompleted:
			view.Finished = append(view.Finished, entryView(e, -1, 0))
			view.Counts.Completed++
		case EntryNoShow:
			view.Finished = append(view.Finished, entryView(e, -1, 0))
			view.Counts.NoShow++
		case EntryCancelled:
			view.Finished = append(view.Finished, entryView(e, -1, 0))
			view.Counts.Cancelled++
		}
	}
	return view
}

// decorate fills in doctor and hospital display data. Directory failures
// degrade to placeholders and are logged, never surfaced.
func (s *Service) decorate(ctx context.Context, view *QueueView) {
	view.DoctorName = placeholderDoctor
	view.HospitalName = placeholderHospital
	if s.directory == nil {
		return
	}

	if doc, err := s.directory.GetDoctor(ctx, view.DoctorID); err != nil {
		s.log.Warn().Err(err).Str("doctor_id", view.DoctorID.String()).Msg("doctor lookup failed, using placeholder")
	} else {
		view.DoctorName = doc.DisplayName()
		view.Specialization = doc.Specialization
	}

	if hosp, err := s.directory.GetHospital(ctx, view.HospitalID); err != nil {
		s.log.Warn().Err(err).Str("hospital_id", view.HospitalID.String()).Msg("hospital lookup failed, using placeholder")
	} else {
		view.HospitalName = hosp.Name
	}
}

// GetView returns the snapshot for one queue. This is the poll path; it
// always reflects the latest committed mutation.
func (s *Service) GetView(ctx context.Context, queueID uuid.UUID) (*QueueView, error) {
	q, err := s.repo.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	view := Project(q)
	s.decorate(ctx, view)
	return view, nil
}

// GetViewByDoctorDate returns the snapshot of the doctor's open queue for a
// date.
func (s *Service) GetViewByDoctorDate(ctx context.Context, doctorID uuid.UUID, date string) (*QueueView, error) {
	q, err := s.repo.GetActiveQueueByDoctorDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	view := Project(q)
	s.decorate(ctx, view)
	return view, nil
}

// ListViewsByHospital returns snapshots of a hospital's queues for a date.
func (s *Service) ListViewsByHospital(ctx context.Context, hospitalID uuid.UUID, date string, limit, offset int) ([]*QueueView, int, error) {
	queues, total, err := s.repo.ListQueuesByHospitalDate(ctx, hospitalID, date, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*QueueView, 0, len(queues))
	for _, q := range queues {
		view := Project(q)
		s.decorate(ctx, view)
		views = append(views, view)
	}
	return views, total, nil
}
