package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesikahq/dpi/internal/database"
)

type pgBase struct {
	db *sql.DB
	tx database.Transactor
}

func (b pgBase) conn(ctx context.Context) database.Querier {
	return database.Conn(ctx, b.db)
}

type pgRecords struct{ pgBase }
type pgCareNotes struct{ pgBase }
type pgImaging struct{ pgBase }
type pgLabPanels struct{ pgBase }
type pgPrescriptions struct{ pgBase }
type pgSummaries struct{ pgBase }

// NewPostgresRepositories returns lib/pq backed stores sharing db.
func NewPostgresRepositories(db *sql.DB) Repositories {
	base := pgBase{db: db, tx: database.NewTransactor(db)}
	return Repositories{
		Records:       &pgRecords{base},
		CareNotes:     &pgCareNotes{base},
		Imaging:       &pgImaging{base},
		LabPanels:     &pgLabPanels{base},
		Prescriptions: &pgPrescriptions{base},
		Summaries:     &pgSummaries{base},
	}
}

// authorCols scans the LEFT JOIN on users that resolves an entry author.
type authorCols struct {
	id    sql.NullInt64
	last  sql.NullString
	first sql.NullString
}

func (a *authorCols) dest() []any {
	return []any{&a.id, &a.last, &a.first}
}

func (a *authorCols) author() *Author {
	if !a.id.Valid {
		return nil
	}
	return &Author{ID: a.id.Int64, LastName: a.last.String, FirstName: a.first.String}
}

func authorID(a *Author) sql.NullInt64 {
	if a == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: a.ID, Valid: true}
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// medical_records

const selectRecord = `SELECT id, patient_id, identifier_code, created_at FROM medical_records`

func (r *pgRecords) Create(ctx context.Context, rec *MedicalRecord) error {
	err := r.conn(ctx).QueryRowContext(ctx,
		`INSERT INTO medical_records (patient_id, identifier_code) VALUES ($1, $2) RETURNING id, created_at`,
		rec.PatientID, rec.IdentifierCode,
	).Scan(&rec.ID, &rec.CreatedAt)
	if _, dup := database.UniqueViolation(err); dup {
		return ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("create medical record: %w", err)
	}
	return nil
}

func (r *pgRecords) Get(ctx context.Context, id int64) (*MedicalRecord, error) {
	return r.one(r.conn(ctx).QueryRowContext(ctx, selectRecord+` WHERE id = $1`, id))
}

func (r *pgRecords) GetByPatient(ctx context.Context, patientID int64) (*MedicalRecord, error) {
	return r.one(r.conn(ctx).QueryRowContext(ctx, selectRecord+` WHERE patient_id = $1`, patientID))
}

func (r *pgRecords) one(row *sql.Row) (*MedicalRecord, error) {
	var rec MedicalRecord
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.IdentifierCode, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medical record: %w", err)
	}
	return &rec, nil
}

func (r *pgRecords) List(ctx context.Context) ([]*MedicalRecord, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, selectRecord+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list medical records: %w", err)
	}
	defer rows.Close()

	records := []*MedicalRecord{}
	for rows.Next() {
		var rec MedicalRecord
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.IdentifierCode, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *pgRecords) UpdateIdentifierCode(ctx context.Context, id int64, code []byte) error {
	res, err := r.conn(ctx).ExecContext(ctx, `UPDATE medical_records SET identifier_code = $1 WHERE id = $2`, code, id)
	if err != nil {
		return fmt.Errorf("update identifier code: %w", err)
	}
	return expectOne(res, ErrRecordNotFound)
}

func (r *pgRecords) Delete(ctx context.Context, id int64) error {
	res, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM medical_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete medical record: %w", err)
	}
	return expectOne(res, ErrRecordNotFound)
}

// care_notes

func (r *pgCareNotes) Add(ctx context.Context, n *CareNote) error {
	err := r.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO care_notes (record_id, nurse_id, date, medications_administered, nursing_care, observations)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		n.RecordID, authorID(n.Nurse), n.Date, n.MedicationsAdministered, n.NursingCare, n.Observations,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("add care note: %w", err)
	}
	return nil
}

func (r *pgCareNotes) ListByRecord(ctx context.Context, recordID int64) ([]CareNote, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT c.id, c.record_id, c.date, c.medications_administered, c.nursing_care, c.observations, c.created_at,
		       a.id, a.last_name, a.first_name
		FROM care_notes c
		LEFT JOIN users a ON a.id = c.nurse_id
		WHERE c.record_id = $1
		ORDER BY c.id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list care notes: %w", err)
	}
	defer rows.Close()

	notes := []CareNote{}
	for rows.Next() {
		var (
			n CareNote
			a authorCols
		)
		dest := append([]any{&n.ID, &n.RecordID, &n.Date, &n.MedicationsAdministered, &n.NursingCare, &n.Observations, &n.CreatedAt}, a.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		n.Nurse = a.author()
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// imaging_reports

const selectImaging = `
	SELECT i.id, i.record_id, i.date, i.description, i.attachment_id, i.attachment_name, i.attachment_type, i.created_at,
	       a.id, a.last_name, a.first_name
	FROM imaging_reports i
	LEFT JOIN users a ON a.id = i.radiologist_id`

func (r *pgImaging) Add(ctx context.Context, rep *ImagingReport) error {
	var id, name, contentType sql.NullString
	if rep.Attachment != nil {
		id = sql.NullString{String: rep.Attachment.ID, Valid: true}
		name = sql.NullString{String: rep.Attachment.Filename, Valid: true}
		contentType = sql.NullString{String: rep.Attachment.ContentType, Valid: true}
	}
	err := r.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO imaging_reports (record_id, radiologist_id, date, description, attachment_id, attachment_name, attachment_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		rep.RecordID, authorID(rep.Radiologist), rep.Date, rep.Description, id, name, contentType,
	).Scan(&rep.ID, &rep.CreatedAt)
	if err != nil {
		return fmt.Errorf("add imaging report: %w", err)
	}
	return nil
}

func (r *pgImaging) Get(ctx context.Context, id int64) (*ImagingReport, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, selectImaging+` WHERE i.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get imaging report: %w", err)
	}
	reports, err := scanImaging(rows)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrImagingNotFound
	}
	return &reports[0], nil
}

func (r *pgImaging) ListByRecord(ctx context.Context, recordID int64) ([]ImagingReport, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, selectImaging+` WHERE i.record_id = $1 ORDER BY i.id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list imaging reports: %w", err)
	}
	return scanImaging(rows)
}

func scanImaging(rows *sql.Rows) ([]ImagingReport, error) {
	defer rows.Close()

	reports := []ImagingReport{}
	for rows.Next() {
		var (
			rep                   ImagingReport
			id, name, contentType sql.NullString
			a                     authorCols
		)
		dest := append([]any{&rep.ID, &rep.RecordID, &rep.Date, &rep.Description, &id, &name, &contentType, &rep.CreatedAt}, a.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if id.Valid {
			rep.Attachment = &AttachmentRef{ID: id.String, Filename: name.String, ContentType: contentType.String}
		}
		rep.Radiologist = a.author()
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

// summaries

func (r *pgSummaries) Add(ctx context.Context, s *Summary) error {
	err := r.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO summaries (record_id, physician_id, date, antecedents, observations, diagnosis)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		s.RecordID, authorID(s.Physician), s.Date, s.Antecedents, s.Observations, s.Diagnosis,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("add summary: %w", err)
	}
	return nil
}

func (r *pgSummaries) ListByRecord(ctx context.Context, recordID int64) ([]Summary, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT s.id, s.record_id, s.date, s.antecedents, s.observations, s.diagnosis, s.created_at,
		       a.id, a.last_name, a.first_name
		FROM summaries s
		LEFT JOIN users a ON a.id = s.physician_id
		WHERE s.record_id = $1
		ORDER BY s.id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var (
			s Summary
			a authorCols
		)
		dest := append([]any{&s.ID, &s.RecordID, &s.Date, &s.Antecedents, &s.Observations, &s.Diagnosis, &s.CreatedAt}, a.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		s.Physician = a.author()
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
