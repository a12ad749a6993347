package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	hospitals HospitalRepository
	doctors   DoctorRepository
}

func NewService(hospitals HospitalRepository, doctors DoctorRepository) *Service {
	return &Service{hospitals: hospitals, doctors: doctors}
}

// -- Hospital --

func (s *Service) CreateHospital(ctx context.Context, h *Hospital) error {
	if h.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.hospitals.Create(ctx, h)
}

func (s *Service) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return s.hospitals.GetByID(ctx, id)
}

func (s *Service) ListHospitals(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	return s.hospitals.List(ctx, limit, offset)
}

// -- Doctor --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	if d.HospitalID == uuid.Nil {
		return fmt.Errorf("hospital_id is required")
	}
	if d.FirstName == "" && d.LastName == "" {
		return fmt.Errorf("doctor name is required")
	}
	if _, err := s.hospitals.GetByID(ctx, d.HospitalID); err != nil {
		return fmt.Errorf("hospital %s not found", d.HospitalID)
	}
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Doctor, int, error) {
	if hospitalID != uuid.Nil {
		return s.doctors.ListByHospital(ctx, hospitalID, limit, offset)
	}
	return s.doctors.List(ctx, limit, offset)
}
