// Package directory holds the hospital and doctor reference data that queue
// projections are decorated with. It is read-mostly: records are created by
// staff once and then looked up constantly.
package directory

import (
	"time"

	"github.com/google/uuid"
)

// Hospital is a facility that runs walk-in queues.
type Hospital struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Doctor is a practitioner attached to a hospital.
type Doctor struct {
	ID             uuid.UUID `json:"id"`
	HospitalID     uuid.UUID `json:"hospital_id"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Specialization string    `json:"specialization,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DisplayName returns the doctor's name as shown on dashboards.
func (d *Doctor) DisplayName() string {
	if d.FirstName == "" {
		return d.LastName
	}
	if d.LastName == "" {
		return d.FirstName
	}
	return d.FirstName + " " + d.LastName
}
