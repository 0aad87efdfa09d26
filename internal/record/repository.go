package record

import "context"

// Entry lists are ordered by id ascending.

type RecordRepository interface {
	// Create fills rec.ID and rec.CreatedAt; a second record for the same
	// patient fails with ErrRecordExists.
	Create(ctx context.Context, rec *MedicalRecord) error
	Get(ctx context.Context, id int64) (*MedicalRecord, error)
	GetByPatient(ctx context.Context, patientID int64) (*MedicalRecord, error)
	List(ctx context.Context) ([]*MedicalRecord, error)
	UpdateIdentifierCode(ctx context.Context, id int64, code []byte) error
	// Delete removes the record and every entry attached to it.
	Delete(ctx context.Context, id int64) error
}

type CareNoteRepository interface {
	Add(ctx context.Context, n *CareNote) error
	ListByRecord(ctx context.Context, recordID int64) ([]CareNote, error)
}

type ImagingReportRepository interface {
	Add(ctx context.Context, r *ImagingReport) error
	Get(ctx context.Context, id int64) (*ImagingReport, error)
	ListByRecord(ctx context.Context, recordID int64) ([]ImagingReport, error)
}

type LabPanelRepository interface {
	Create(ctx context.Context, p *LabPanel) error
	Get(ctx context.Context, id int64) (*LabPanel, error)
	// Fill records results once; a filled panel fails with ErrLabPanelFilled
	// and keeps its values.
	Fill(ctx context.Context, id int64, results LabResults, technicianID int64) (*LabPanel, error)
	ListByRecord(ctx context.Context, recordID int64) ([]LabPanel, error)
}

type PrescriptionRepository interface {
	// Create stores the prescription with its treatments, reusing medications
	// that share name, dosage and form.
	Create(ctx context.Context, p *Prescription) error
	Get(ctx context.Context, id int64) (*Prescription, error)
	UpdateStatus(ctx context.Context, id int64, status PrescriptionStatus) error
	ListByRecord(ctx context.Context, recordID int64) ([]Prescription, error)
}

type SummaryRepository interface {
	Add(ctx context.Context, s *Summary) error
	ListByRecord(ctx context.Context, recordID int64) ([]Summary, error)
}

// Repositories groups the stores the record service works with.
type Repositories struct {
	Records       RecordRepository
	CareNotes     CareNoteRepository
	Imaging       ImagingReportRepository
	LabPanels     LabPanelRepository
	Prescriptions PrescriptionRepository
	Summaries     SummaryRepository
}
