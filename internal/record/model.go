package record

import (
	"fmt"
	"time"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/user"
)

var (
	ErrRecordNotFound       = fmt.Errorf("medical record: %w", access.ErrNotFound)
	ErrRecordExists         = fmt.Errorf("patient already has a medical record: %w", access.ErrConflict)
	ErrLabPanelNotFound     = fmt.Errorf("lab panel: %w", access.ErrNotFound)
	ErrLabPanelFilled       = fmt.Errorf("lab panel results already recorded: %w", access.ErrConflict)
	ErrPrescriptionNotFound = fmt.Errorf("prescription: %w", access.ErrNotFound)
	ErrImagingNotFound      = fmt.Errorf("imaging report: %w", access.ErrNotFound)
	ErrAttachmentNotFound   = fmt.Errorf("attachment: %w", access.ErrNotFound)
)

// MedicalRecord is the single record of a patient. IdentifierCode is a PNG
// QR code of the patient's NSS.
type MedicalRecord struct {
	ID             int64     `json:"id"`
	PatientID      int64     `json:"patient_id"`
	IdentifierCode []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Author is the staff member who wrote an entry. It is nil once the account
// has been deleted.
type Author struct {
	ID        int64  `json:"id"`
	LastName  string `json:"last_name"`
	FirstName string `json:"first_name"`
}

func authorOf(u *user.User) *Author {
	return &Author{ID: u.ID, LastName: u.LastName, FirstName: u.FirstName}
}

type CareNote struct {
	ID                      int64     `json:"id"`
	RecordID                int64     `json:"record_id"`
	Nurse                   *Author   `json:"nurse"`
	Date                    Date      `json:"date"`
	MedicationsAdministered string    `json:"medications_administered"`
	NursingCare             string    `json:"nursing_care"`
	Observations            string    `json:"observations"`
	CreatedAt               time.Time `json:"created_at"`
}

type AttachmentRef struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type ImagingReport struct {
	ID          int64          `json:"id"`
	RecordID    int64          `json:"record_id"`
	Radiologist *Author        `json:"radiologist"`
	Date        Date           `json:"date"`
	Description string         `json:"description"`
	Attachment  *AttachmentRef `json:"attachment"`
	CreatedAt   time.Time      `json:"created_at"`
}

type LabResults struct {
	Glycemia      float64 `json:"glycemia"`
	Cholesterol   float64 `json:"cholesterol"`
	BloodPressure string  `json:"blood_pressure"`
}

// LabPanel is ordered by a physician and filled once by a lab technician.
type LabPanel struct {
	ID            int64       `json:"id"`
	RecordID      int64       `json:"record_id"`
	Physician     *Author     `json:"physician"`
	Date          Date        `json:"date"`
	Description   string      `json:"description"`
	Results       *LabResults `json:"results"`
	LabTechnician *Author     `json:"lab_technician"`
	FilledAt      *time.Time  `json:"filled_at"`
	CreatedAt     time.Time   `json:"created_at"`
}

func (p *LabPanel) Filled() bool {
	return p.Results != nil
}

type PrescriptionStatus string

const (
	StatusPending   PrescriptionStatus = "pending"
	StatusValidated PrescriptionStatus = "validated"
	StatusRejected  PrescriptionStatus = "rejected"
)

func (s PrescriptionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusValidated, StatusRejected:
		return true
	}
	return false
}

type Medication struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
	Form   string `json:"form"`
}

type Treatment struct {
	ID          int64      `json:"id"`
	Position    int        `json:"position"`
	Medication  Medication `json:"medication"`
	Quantity    int        `json:"quantity"`
	Description string     `json:"description"`
	Duration    string     `json:"duration"`
}

const DefaultTreatmentDescription = "Après repas"

type Prescription struct {
	ID         int64              `json:"id"`
	RecordID   int64              `json:"record_id"`
	Physician  *Author            `json:"physician"`
	Date       Date               `json:"date"`
	Status     PrescriptionStatus `json:"status"`
	Treatments []Treatment        `json:"treatments"`
	CreatedAt  time.Time          `json:"created_at"`
}

type Summary struct {
	ID           int64     `json:"id"`
	RecordID     int64     `json:"record_id"`
	Physician    *Author   `json:"physician"`
	Date         Date      `json:"date"`
	Antecedents  string    `json:"antecedents"`
	Observations string    `json:"observations"`
	Diagnosis    string    `json:"diagnosis"`
	CreatedAt    time.Time `json:"created_at"`
}

// PatientView is the patient part of a record response.
type PatientView struct {
	ID                   int64  `json:"id"`
	NSS                  string `json:"nss"`
	LastName             string `json:"last_name"`
	FirstName            string `json:"first_name"`
	Email                string `json:"email"`
	BirthDate            Date   `json:"birth_date"`
	Address              string `json:"address"`
	Phone                string `json:"phone"`
	Insurer              string `json:"insurer"`
	EmergencyContact     string `json:"emergency_contact"`
	AttendingPhysicianID *int64 `json:"attending_physician_id"`
}

type RecordView struct {
	ID        int64       `json:"id"`
	Patient   PatientView `json:"patient"`
	CreatedAt time.Time   `json:"created_at"`
}

func newRecordView(rec *MedicalRecord, patient *user.User) RecordView {
	v := RecordView{ID: rec.ID, CreatedAt: rec.CreatedAt}
	v.Patient = PatientView{
		ID:        patient.ID,
		LastName:  patient.LastName,
		FirstName: patient.FirstName,
		Email:     patient.Email,
	}
	if p, ok := patient.Patient(); ok {
		v.Patient.NSS = p.NSS
		v.Patient.BirthDate = Date{p.BirthDate}
		v.Patient.Address = p.Address
		v.Patient.Phone = p.Phone
		v.Patient.Insurer = p.Insurer
		v.Patient.EmergencyContact = p.EmergencyContact
		v.Patient.AttendingPhysicianID = p.AttendingPhysicianID
	}
	return v
}

// FullRecord is a record with every clinical entry attached to it.
type FullRecord struct {
	Record         RecordView      `json:"record"`
	CareNotes      []CareNote      `json:"care_notes"`
	ImagingReports []ImagingReport `json:"imaging_reports"`
	Summaries      []Summary       `json:"summaries"`
	Prescriptions  []Prescription  `json:"prescriptions"`
	LabPanels      []LabPanel      `json:"lab_panels"`
}
