package lab

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"cytolab.org/internal/ids"
)

// Hospital is a tenant. It owns identities and patients.
type Hospital struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Patient struct {
	ID         string    `json:"id"`
	HospitalID string    `json:"hospital_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	BirthDate  string    `json:"birth_date,omitempty"` // YYYY-MM-DD
	CreatedAt  time.Time `json:"created_at"`
}

// DetectionStatus tracks whether a cell test has a current result.
type DetectionStatus string

const (
	StatusPending   DetectionStatus = "pending"
	StatusCompleted DetectionStatus = "completed"
)

// CellTest belongs to a patient. HospitalID is denormalised for tenant scoping.
type CellTest struct {
	ID              string          `json:"id"`
	PatientID       string          `json:"patient_id"`
	HospitalID      string          `json:"hospital_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	DetectionStatus DetectionStatus `json:"detection_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CellTestImage references a stored input image by object key.
type CellTestImage struct {
	ID         string    `json:"id"`
	CellTestID string    `json:"cell_test_id"`
	ObjectKey  string    `json:"object_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Result is the outcome of one ingestion. At most one result per cell test
// has a nil SupersededAt.
type Result struct {
	ID           string        `json:"id"`
	CellTestID   string        `json:"cell_test_id"`
	Description  string        `json:"description"`
	CellCount    int           `json:"cell_count"`
	CreatedAt    time.Time     `json:"created_at"`
	SupersededAt *time.Time    `json:"superseded_at,omitempty"`
	Images       []ResultImage `json:"images"`
}

// Current reports whether r is the live result of its cell test.
func (r Result) Current() bool { return r.SupersededAt == nil }

type ResultImage struct {
	ID       string `json:"id"`
	ResultID string `json:"result_id"`
	ImageURL string `json:"image_url"`
}

var (
	ErrNotFound     = errors.New("lab: not found")
	ErrConflict     = errors.New("lab: conflict")
	ErrInvalidInput = errors.New("lab: invalid input")
)

func (h *Hospital) Normalize() error {
	h.Name = strings.TrimSpace(h.Name)
	h.Address = strings.TrimSpace(h.Address)
	h.Phone = strings.TrimSpace(h.Phone)
	h.Email = strings.ToLower(strings.TrimSpace(h.Email))
	if h.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return validEmail(h.Email)
}

func (p *Patient) Normalize() error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Phone = strings.TrimSpace(p.Phone)
	p.BirthDate = strings.TrimSpace(p.BirthDate)
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("%w: first_name and last_name are required", ErrInvalidInput)
	}
	if p.BirthDate != "" {
		if _, err := time.Parse(time.DateOnly, p.BirthDate); err != nil {
			return fmt.Errorf("%w: birth_date must be YYYY-MM-DD", ErrInvalidInput)
		}
	}
	return validEmail(p.Email)
}

func (c *CellTest) Normalize() error {
	c.Title = strings.TrimSpace(c.Title)
	c.Description = strings.TrimSpace(c.Description)
	if c.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if c.DetectionStatus == "" {
		c.DetectionStatus = StatusPending
	}
	return nil
}

func (i *CellTestImage) Normalize() error {
	i.ObjectKey = strings.TrimLeft(strings.TrimSpace(i.ObjectKey), "/")
	if i.ObjectKey == "" {
		return fmt.Errorf("%w: object_key is required", ErrInvalidInput)
	}
	if strings.Contains(i.ObjectKey, "..") {
		return fmt.Errorf("%w: object_key must not contain '..'", ErrInvalidInput)
	}
	return nil
}

func validEmail(v string) error {
	if v == "" {
		return nil
	}
	if _, err := mail.ParseAddress(v); err != nil {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return nil
}

func newID() string {
	return ids.NewUUID()
}
