package directory

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =========== Hospital Repository ===========

type hospitalRepoPG struct{ pool *pgxpool.Pool }

func NewHospitalRepoPG(pool *pgxpool.Pool) HospitalRepository { return &hospitalRepoPG{pool: pool} }

const hospitalCols = `id, name, address, phone, created_at, updated_at`

func (r *hospitalRepoPG) scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.Phone, &h.CreatedAt, &h.UpdatedAt)
	return &h, err
}

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	h.ID = uuid.New()
	return r.pool.QueryRow(ctx, `
		INSERT INTO hospital (id, name, address, phone)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at, updated_at`,
		h.ID, h.Name, h.Address, h.Phone).Scan(&h.CreatedAt, &h.UpdatedAt)
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	return r.scanHospital(r.pool.QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE id = $1`, id))
}

func (r *hospitalRepoPG) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hospital`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+hospitalCols+` FROM hospital ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Hospital
	for rows.Next() {
		h, err := r.scanHospital(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, nil
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `id, hospital_id, first_name, last_name, specialization, created_at, updated_at`

func (r *doctorRepoPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.HospitalID, &d.FirstName, &d.LastName, &d.Specialization, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	return r.pool.QueryRow(ctx, `
		INSERT INTO doctor (id, hospital_id, first_name, last_name, specialization)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`,
		d.ID, d.HospitalID, d.FirstName, d.LastName, d.Specialization).Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(r.pool.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *doctorRepoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Doctor, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM doctor WHERE hospital_id = $1`, hospitalID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+doctorCols+` FROM doctor WHERE hospital_id = $1 ORDER BY last_name, first_name LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, nil
}

func (r *doctorRepoPG) List(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM doctor`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+doctorCols+` FROM doctor ORDER BY last_name, first_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, nil
}
