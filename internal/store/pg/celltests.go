package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cytolab.org/internal/ids"
	"cytolab.org/internal/lab"
)

const cellTestColumns = `id, patient_id, hospital_id, title, description, detection_status, created_at, updated_at`

func scanCellTest(row scanner) (lab.CellTest, error) {
	var (
		c      lab.CellTest
		status string
	)
	err := row.Scan(&c.ID, &c.PatientID, &c.HospitalID, &c.Title, &c.Description, &status, &c.CreatedAt, &c.UpdatedAt)
	c.DetectionStatus = lab.DetectionStatus(status)
	return c, err
}

// CreateCellTest inserts the test only when the patient belongs to the
// hospital; otherwise nothing is written and ErrNotFound is returned.
func (s *Store) CreateCellTest(ctx context.Context, c *lab.CellTest) error {
	if err := c.Normalize(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = ids.NewUUID()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into cell_tests (id, patient_id, hospital_id, title, description, detection_status)
		select $1, p.id, p.hospital_id, $4, $5, $6
		from patients p
		where p.id = $2 and p.hospital_id = $3
		returning created_at, updated_at
	`, c.ID, c.PatientID, c.HospitalID, c.Title, c.Description, string(c.DetectionStatus))
	return mapErr(row.Scan(&c.CreatedAt, &c.UpdatedAt))
}

func (s *Store) GetCellTest(ctx context.Context, hospitalID, patientID, id string) (lab.CellTest, error) {
	c, err := scanCellTest(s.db.QueryRowContext(ctx,
		`select `+cellTestColumns+` from cell_tests where hospital_id = $1 and patient_id = $2 and id = $3`,
		hospitalID, patientID, id))
	if err != nil {
		return lab.CellTest{}, mapErr(err)
	}
	return c, nil
}

func (s *Store) ListCellTests(ctx context.Context, hospitalID, patientID string) ([]lab.CellTest, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+cellTestColumns+` from cell_tests where hospital_id = $1 and patient_id = $2 order by created_at`,
		hospitalID, patientID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	result := []lab.CellTest{}
	for rows.Next() {
		c, err := scanCellTest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) AddImage(ctx context.Context, img *lab.CellTestImage) error {
	if err := img.Normalize(); err != nil {
		return err
	}
	if img.ID == "" {
		img.ID = ids.NewUUID()
	}
	row := s.db.QueryRowContext(ctx, `
		insert into cell_test_images (id, cell_test_id, object_key)
		values ($1, $2, $3)
		returning created_at
	`, img.ID, img.CellTestID, img.ObjectKey)
	return mapErr(row.Scan(&img.CreatedAt))
}

func (s *Store) ListImages(ctx context.Context, cellTestID string) ([]lab.CellTestImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, cell_test_id, object_key, created_at
		from cell_test_images
		where cell_test_id = $1
		order by created_at, id
	`, cellTestID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var result []lab.CellTestImage
	for rows.Next() {
		var img lab.CellTestImage
		if err := rows.Scan(&img.ID, &img.CellTestID, &img.ObjectKey, &img.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, img)
	}
	return result, rows.Err()
}

// ListResults returns results newest first with their output images.
func (s *Store) ListResults(ctx context.Context, cellTestID string) ([]lab.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, cell_test_id, description, cell_count, created_at, superseded_at
		from results
		where cell_test_id = $1
		order by created_at desc
	`, cellTestID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	result := []lab.Result{}
	index := map[string]int{}
	for rows.Next() {
		var (
			r          lab.Result
			superseded sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CellTestID, &r.Description, &r.CellCount, &r.CreatedAt, &superseded); err != nil {
			return nil, err
		}
		if superseded.Valid {
			at := superseded.Time
			r.SupersededAt = &at
		}
		r.Images = []lab.ResultImage{}
		index[r.ID] = len(result)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	imgs, err := s.db.QueryContext(ctx, `
		select ri.id, ri.result_id, ri.image_url
		from result_images ri
		join results r on r.id = ri.result_id
		where r.cell_test_id = $1
		order by ri.result_id, ri.position
	`, cellTestID)
	if err != nil {
		return nil, err
	}
	defer imgs.Close()
	for imgs.Next() {
		var img lab.ResultImage
		if err := imgs.Scan(&img.ID, &img.ResultID, &img.ImageURL); err != nil {
			return nil, err
		}
		if i, ok := index[img.ResultID]; ok {
			result[i].Images = append(result[i].Images, img)
		}
	}
	return result, imgs.Err()
}

// CommitResult runs supersede, insert and status flip in one transaction.
// The cell test row is locked first so concurrent commits serialise; the
// partial unique index on results backs this up with ErrConflict.
func (s *Store) CommitResult(ctx context.Context, r *lab.Result) error {
	if r.CellCount < 0 {
		return fmt.Errorf("%w: cell_count must not be negative", lab.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `select id from cell_tests where id = $1 for update`, r.CellTestID).Scan(&locked); err != nil {
		return mapErr(err)
	}

	var now time.Time
	if err := tx.QueryRowContext(ctx, `select now()`).Scan(&now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update results set superseded_at = $2
		where cell_test_id = $1 and superseded_at is null
	`, r.CellTestID, now); err != nil {
		return mapErr(err)
	}

	if r.ID == "" {
		r.ID = ids.NewUUID()
	}
	if _, err := tx.ExecContext(ctx, `
		insert into results (id, cell_test_id, description, cell_count, created_at)
		values ($1, $2, $3, $4, $5)
	`, r.ID, r.CellTestID, r.Description, r.CellCount, now); err != nil {
		return mapErr(err)
	}

	for i := range r.Images {
		img := &r.Images[i]
		if img.ID == "" {
			img.ID = ids.NewUUID()
		}
		img.ResultID = r.ID
		if _, err := tx.ExecContext(ctx, `
			insert into result_images (id, result_id, position, image_url)
			values ($1, $2, $3, $4)
		`, img.ID, img.ResultID, i, img.ImageURL); err != nil {
			return mapErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		update cell_tests set detection_status = $2, updated_at = $3
		where id = $1
	`, r.CellTestID, string(lab.StatusCompleted), now); err != nil {
		return mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	r.CreatedAt = now
	r.SupersededAt = nil
	return nil
}
