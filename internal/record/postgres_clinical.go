package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// lab_panels

const selectLabPanel = `
	SELECT l.id, l.record_id, l.date, l.description, l.glycemia, l.cholesterol, l.blood_pressure, l.filled_at, l.created_at,
	       p.id, p.last_name, p.first_name,
	       t.id, t.last_name, t.first_name
	FROM lab_panels l
	LEFT JOIN users p ON p.id = l.physician_id
	LEFT JOIN users t ON t.id = l.lab_technician_id`

func (r *pgLabPanels) Create(ctx context.Context, p *LabPanel) error {
	err := r.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO lab_panels (record_id, physician_id, date, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		p.RecordID, authorID(p.Physician), p.Date, p.Description,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create lab panel: %w", err)
	}
	return nil
}

func (r *pgLabPanels) Get(ctx context.Context, id int64) (*LabPanel, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, selectLabPanel+` WHERE l.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get lab panel: %w", err)
	}
	panels, err := scanLabPanels(rows)
	if err != nil {
		return nil, err
	}
	if len(panels) == 0 {
		return nil, ErrLabPanelNotFound
	}
	return &panels[0], nil
}

// Fill locks the panel row so that two concurrent fills cannot both observe
// empty results.
func (r *pgLabPanels) Fill(ctx context.Context, id int64, results LabResults, technicianID int64) (*LabPanel, error) {
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		conn := r.conn(ctx)

		var filled bool
		err := conn.QueryRowContext(ctx, `
			SELECT glycemia IS NOT NULL OR cholesterol IS NOT NULL OR blood_pressure IS NOT NULL
			FROM lab_panels WHERE id = $1 FOR UPDATE`, id).Scan(&filled)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLabPanelNotFound
		}
		if err != nil {
			return fmt.Errorf("lock lab panel: %w", err)
		}
		if filled {
			return ErrLabPanelFilled
		}

		_, err = conn.ExecContext(ctx, `
			UPDATE lab_panels
			SET glycemia = $1, cholesterol = $2, blood_pressure = $3, lab_technician_id = $4, filled_at = now()
			WHERE id = $5`,
			results.Glycemia, results.Cholesterol, results.BloodPressure, technicianID, id)
		if err != nil {
			return fmt.Errorf("fill lab panel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *pgLabPanels) ListByRecord(ctx context.Context, recordID int64) ([]LabPanel, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, selectLabPanel+` WHERE l.record_id = $1 ORDER BY l.id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list lab panels: %w", err)
	}
	return scanLabPanels(rows)
}

func scanLabPanels(rows *sql.Rows) ([]LabPanel, error) {
	defer rows.Close()

	panels := []LabPanel{}
	for rows.Next() {
		var (
			p           LabPanel
			glycemia    sql.NullFloat64
			cholesterol sql.NullFloat64
			pressure    sql.NullString
			filledAt    sql.NullTime
			physician   authorCols
			technician  authorCols
		)
		dest := []any{&p.ID, &p.RecordID, &p.Date, &p.Description, &glycemia, &cholesterol, &pressure, &filledAt, &p.CreatedAt}
		dest = append(dest, physician.dest()...)
		dest = append(dest, technician.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if glycemia.Valid || cholesterol.Valid || pressure.Valid {
			p.Results = &LabResults{Glycemia: glycemia.Float64, Cholesterol: cholesterol.Float64, BloodPressure: pressure.String}
		}
		if filledAt.Valid {
			t := filledAt.Time
			p.FilledAt = &t
		}
		p.Physician = physician.author()
		p.LabTechnician = technician.author()
		panels = append(panels, p)
	}
	return panels, rows.Err()
}

// prescriptions

const selectPrescription = `
	SELECT p.id, p.record_id, p.date, p.status, p.created_at, a.id, a.last_name, a.first_name
	FROM prescriptions p
	LEFT JOIN users a ON a.id = p.physician_id`

const selectTreatment = `
	SELECT t.id, t.prescription_id, t.position, t.quantity, t.description, t.duration,
	       m.id, m.name, m.dosage, m.form
	FROM treatments t
	JOIN medications m ON m.id = t.medication_id`

func (r *pgPrescriptions) Create(ctx context.Context, p *Prescription) error {
	if p.Status == "" {
		p.Status = StatusPending
	}
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		conn := r.conn(ctx)
		err := conn.QueryRowContext(ctx, `
			INSERT INTO prescriptions (record_id, physician_id, date, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`,
			p.RecordID, authorID(p.Physician), p.Date, string(p.Status),
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return fmt.Errorf("create prescription: %w", err)
		}

		for i := range p.Treatments {
			t := &p.Treatments[i]
			// the no-op update makes RETURNING yield the existing row on conflict
			err := conn.QueryRowContext(ctx, `
				INSERT INTO medications (name, dosage, form)
				VALUES ($1, $2, $3)
				ON CONFLICT (name, dosage, form) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`,
				t.Medication.Name, t.Medication.Dosage, t.Medication.Form,
			).Scan(&t.Medication.ID)
			if err != nil {
				return fmt.Errorf("resolve medication: %w", err)
			}

			err = conn.QueryRowContext(ctx, `
				INSERT INTO treatments (prescription_id, position, medication_id, quantity, description, duration)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`,
				p.ID, t.Position, t.Medication.ID, t.Quantity, t.Description, t.Duration,
			).Scan(&t.ID)
			if err != nil {
				return fmt.Errorf("add treatment: %w", err)
			}
		}
		return nil
	})
}

func (r *pgPrescriptions) Get(ctx context.Context, id int64) (*Prescription, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, selectPrescription+` WHERE p.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	prescriptions, err := scanPrescriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(prescriptions) == 0 {
		return nil, ErrPrescriptionNotFound
	}

	rows, err = r.conn(ctx).QueryContext(ctx, selectTreatment+` WHERE t.prescription_id = $1 ORDER BY t.position`, id)
	if err != nil {
		return nil, fmt.Errorf("get treatments: %w", err)
	}
	if err := attachTreatments(rows, prescriptions); err != nil {
		return nil, err
	}
	return &prescriptions[0], nil
}

func (r *pgPrescriptions) UpdateStatus(ctx context.Context, id int64, status PrescriptionStatus) error {
	res, err := r.conn(ctx).ExecContext(ctx, `UPDATE prescriptions SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update prescription status: %w", err)
	}
	return expectOne(res, ErrPrescriptionNotFound)
}

func (r *pgPrescriptions) ListByRecord(ctx context.Context, recordID int64) ([]Prescription, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, selectPrescription+` WHERE p.record_id = $1 ORDER BY p.id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	prescriptions, err := scanPrescriptions(rows)
	if err != nil || len(prescriptions) == 0 {
		return prescriptions, err
	}

	rows, err = r.conn(ctx).QueryContext(ctx, selectTreatment+`
		JOIN prescriptions p ON p.id = t.prescription_id
		WHERE p.record_id = $1
		ORDER BY t.prescription_id, t.position`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list treatments: %w", err)
	}
	if err := attachTreatments(rows, prescriptions); err != nil {
		return nil, err
	}
	return prescriptions, nil
}

func scanPrescriptions(rows *sql.Rows) ([]Prescription, error) {
	defer rows.Close()

	prescriptions := []Prescription{}
	for rows.Next() {
		var (
			p      Prescription
			status string
			a      authorCols
		)
		dest := append([]any{&p.ID, &p.RecordID, &p.Date, &status, &p.CreatedAt}, a.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		p.Status = PrescriptionStatus(status)
		p.Physician = a.author()
		p.Treatments = []Treatment{}
		prescriptions = append(prescriptions, p)
	}
	return prescriptions, rows.Err()
}

func attachTreatments(rows *sql.Rows, prescriptions []Prescription) error {
	defer rows.Close()

	index := make(map[int64]int, len(prescriptions))
	for i := range prescriptions {
		index[prescriptions[i].ID] = i
	}
	for rows.Next() {
		var (
			t              Treatment
			prescriptionID int64
		)
		if err := rows.Scan(&t.ID, &prescriptionID, &t.Position, &t.Quantity, &t.Description, &t.Duration,
			&t.Medication.ID, &t.Medication.Name, &t.Medication.Dosage, &t.Medication.Form); err != nil {
			return err
		}
		if i, ok := index[prescriptionID]; ok {
			prescriptions[i].Treatments = append(prescriptions[i].Treatments, t)
		}
	}
	return rows.Err()
}
