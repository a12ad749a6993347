package directory

import (
	"context"

	"github.com/google/uuid"
)

// HospitalRepository defines persistence operations for hospitals.
type HospitalRepository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
}

// DoctorRepository defines persistence operations for doctors.
type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Doctor, int, error)
	List(ctx context.Context, limit, offset int) ([]*Doctor, int, error)
}
