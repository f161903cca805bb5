package pg

import (
	"context"

	"cytolab.org/internal/ids"
	"cytolab.org/internal/lab"
)

func (s *Store) CreateHospital(ctx context.Context, h *lab.Hospital) error {
	if err := h.Normalize(); err != nil {
		return err
	}
	if h.ID == "" {
		h.ID = ids.NewUUID()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into hospitals (id, name, address, phone, email)
		values ($1, $2, $3, $4, $5)
		returning created_at
	`, h.ID, h.Name, h.Address, h.Phone, h.Email)
	return mapErr(row.Scan(&h.CreatedAt))
}

func (s *Store) GetHospital(ctx context.Context, id string) (lab.Hospital, error) {
	var h lab.Hospital
	err := s.db.QueryRowContext(ctx, `
		select id, name, address, phone, email, created_at
		from hospitals
		where id = $1
	`, id).Scan(&h.ID, &h.Name, &h.Address, &h.Phone, &h.Email, &h.CreatedAt)
	if err != nil {
		return lab.Hospital{}, mapErr(err)
	}
	return h, nil
}

func (s *Store) ListHospitals(ctx context.Context) ([]lab.Hospital, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, address, phone, email, created_at
		from hospitals
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []lab.Hospital{}
	for rows.Next() {
		var h lab.Hospital
		if err := rows.Scan(&h.ID, &h.Name, &h.Address, &h.Phone, &h.Email, &h.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *Store) UpdateHospital(ctx context.Context, h *lab.Hospital) error {
	if err := h.Normalize(); err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		update hospitals set name = $2, address = $3, phone = $4, email = $5
		where id = $1
		returning created_at
	`, h.ID, h.Name, h.Address, h.Phone, h.Email)
	return mapErr(row.Scan(&h.CreatedAt))
}

func (s *Store) DeleteHospital(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from hospitals where id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return affectedOne(res)
}

const patientColumns = `id, hospital_id, first_name, last_name, email, phone,
	coalesce(to_char(birth_date, 'YYYY-MM-DD'), ''), created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(row scanner) (lab.Patient, error) {
	var p lab.Patient
	err := row.Scan(&p.ID, &p.HospitalID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &p.BirthDate, &p.CreatedAt)
	return p, err
}

func (s *Store) CreatePatient(ctx context.Context, p *lab.Patient) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = ids.NewUUID()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into patients (id, hospital_id, first_name, last_name, email, phone, birth_date)
		values ($1, $2, $3, $4, $5, $6, nullif($7, '')::date)
		returning created_at
	`, p.ID, p.HospitalID, p.FirstName, p.LastName, p.Email, p.Phone, p.BirthDate)
	return mapErr(row.Scan(&p.CreatedAt))
}

func (s *Store) GetPatient(ctx context.Context, hospitalID, id string) (lab.Patient, error) {
	p, err := scanPatient(s.db.QueryRowContext(ctx,
		`select `+patientColumns+` from patients where hospital_id = $1 and id = $2`, hospitalID, id))
	if err != nil {
		return lab.Patient{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) ListPatients(ctx context.Context, hospitalID string) ([]lab.Patient, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+patientColumns+` from patients where hospital_id = $1 order by last_name, first_name`, hospitalID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	result := []lab.Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) UpdatePatient(ctx context.Context, p *lab.Patient) error {
	if err := p.Normalize(); err != nil {
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		update patients
		set first_name = $3, last_name = $4, email = $5, phone = $6, birth_date = nullif($7, '')::date
		where hospital_id = $1 and id = $2
		returning created_at
	`, p.HospitalID, p.ID, p.FirstName, p.LastName, p.Email, p.Phone, p.BirthDate)
	return mapErr(row.Scan(&p.CreatedAt))
}

func (s *Store) DeletePatient(ctx context.Context, hospitalID, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from patients where hospital_id = $1 and id = $2`, hospitalID, id)
	if err != nil {
		return mapErr(err)
	}
	return affectedOne(res)
}
