package lab

import (
	"context"
	"errors"
)

// Store is the persistence collaborator for hospitals, patients and cell
// tests. Lookups scoped by hospital return ErrNotFound when the record
// exists under another hospital.
type Store interface {
	CreateHospital(ctx context.Context, h *Hospital) error
	GetHospital(ctx context.Context, id string) (Hospital, error)
	ListHospitals(ctx context.Context) ([]Hospital, error)
	UpdateHospital(ctx context.Context, h *Hospital) error
	DeleteHospital(ctx context.Context, id string) error

	CreatePatient(ctx context.Context, p *Patient) error
	GetPatient(ctx context.Context, hospitalID, id string) (Patient, error)
	ListPatients(ctx context.Context, hospitalID string) ([]Patient, error)
	UpdatePatient(ctx context.Context, p *Patient) error
	DeletePatient(ctx context.Context, hospitalID, id string) error

	CreateCellTest(ctx context.Context, c *CellTest) error
	GetCellTest(ctx context.Context, hospitalID, patientID, id string) (CellTest, error)
	ListCellTests(ctx context.Context, hospitalID, patientID string) ([]CellTest, error)

	AddImage(ctx context.Context, img *CellTestImage) error
	ListImages(ctx context.Context, cellTestID string) ([]CellTestImage, error)

	ListResults(ctx context.Context, cellTestID string) ([]Result, error)
	// CommitResult atomically supersedes the current result of the cell test,
	// inserts r with its images and marks the test completed. Either all of
	// it becomes visible or none of it does.
	CommitResult(ctx context.Context, r *Result) error
}

// TenantDirectory answers tenant existence checks from a Store.
type TenantDirectory struct {
	Store Store
}

func (d TenantDirectory) TenantExists(ctx context.Context, id string) (bool, error) {
	_, err := d.Store.GetHospital(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
