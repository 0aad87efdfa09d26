package record

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/attachment"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/database"
	"github.com/mesikahq/dpi/internal/identifier"
	"github.com/mesikahq/dpi/internal/user"
)

type Service interface {
	CreateRecord(ctx context.Context, caller access.Identity, reg Registration) (*RecordView, error)
	GetRecord(ctx context.Context, caller access.Identity, nss string) (*RecordView, error)
	ListRecords(ctx context.Context, caller access.Identity) ([]RecordView, error)
	DeleteRecord(ctx context.Context, caller access.Identity, nss string) error
	AssembleFullRecord(ctx context.Context, caller access.Identity, nss string) (*FullRecord, error)
	IdentifierImage(ctx context.Context, caller access.Identity, nss string) ([]byte, error)

	AddCareNote(ctx context.Context, caller access.Identity, nss string, in CareNoteInput) (*CareNote, error)
	ListCareNotes(ctx context.Context, caller access.Identity, nss string) ([]CareNote, error)

	AddImagingReport(ctx context.Context, caller access.Identity, nss string, in ImagingInput, upload *Upload) (*ImagingReport, error)
	ListImagingReports(ctx context.Context, caller access.Identity, nss string) ([]ImagingReport, error)
	OpenImagingAttachment(ctx context.Context, caller access.Identity, reportID int64) (*attachment.Object, error)

	OrderLabPanel(ctx context.Context, caller access.Identity, nss string, in LabPanelInput) (*LabPanel, error)
	FillLabPanel(ctx context.Context, caller access.Identity, panelID int64, in LabResultsInput) (*LabPanel, error)
	ListLabPanels(ctx context.Context, caller access.Identity, nss string) ([]LabPanel, error)

	CreatePrescription(ctx context.Context, caller access.Identity, nss string, in PrescriptionInput) (*Prescription, error)
	UpdatePrescriptionStatus(ctx context.Context, caller access.Identity, id int64, status string) (*Prescription, error)
	ListPrescriptions(ctx context.Context, caller access.Identity, nss string) ([]Prescription, error)

	CreateSummary(ctx context.Context, caller access.Identity, nss string, in SummaryInput) (*Summary, error)
	ListSummaries(ctx context.Context, caller access.Identity, nss string) ([]Summary, error)
}

// Deps are the collaborators of the record service. Attachments may be nil,
// in which case imaging uploads are rejected.
type Deps struct {
	Repos       Repositories
	Users       user.Repository
	Tx          database.Transactor
	Encoder     identifier.Encoder
	Attachments attachment.Store
	Audit       audit.Service
	Logger      *zap.Logger
}

type service struct {
	Deps
}

func NewService(d Deps) Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &service{Deps: d}
}

func (s *service) authorize(ctx context.Context, caller access.Identity, op access.Operation, owner int64, resourceID string) error {
	err := access.Authorize(caller, op, owner)
	if err != nil {
		_ = s.Audit.LogEvent(ctx, &audit.AuditEvent{
			EventType:  audit.EventDenied,
			UserID:     caller.ID,
			Role:       string(caller.Role),
			Action:     string(op),
			Resource:   "medical_record",
			ResourceID: resourceID,
			Status:     audit.StatusFailure,
		})
	}
	return err
}

func (s *service) record(ctx context.Context, caller access.Identity, action string, kind audit.EventType, resourceID string) {
	_ = s.Audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  kind,
		UserID:     caller.ID,
		Role:       string(caller.Role),
		Action:     action,
		Resource:   "medical_record",
		ResourceID: resourceID,
	})
}

// patientRecord resolves the patient owning nss and their record.
func (s *service) patientRecord(ctx context.Context, nss string) (*user.User, *MedicalRecord, error) {
	patient, err := s.Users.GetPatientByNSS(ctx, nss)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.Repos.Records.GetByPatient(ctx, patient.ID)
	if err != nil {
		return nil, nil, err
	}
	return patient, rec, nil
}

// readable resolves nss for a read operation: patient, then policy, then record.
func (s *service) readable(ctx context.Context, caller access.Identity, op access.Operation, nss string) (*user.User, *MedicalRecord, error) {
	patient, err := s.Users.GetPatientByNSS(ctx, nss)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorize(ctx, caller, op, patient.ID, nss); err != nil {
		return nil, nil, err
	}
	rec, err := s.Repos.Records.GetByPatient(ctx, patient.ID)
	if err != nil {
		return nil, nil, err
	}
	return patient, rec, nil
}

func (s *service) author(ctx context.Context, caller access.Identity) (*Author, error) {
	u, err := s.Users.GetByID(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("load author: %w", err)
	}
	return authorOf(u), nil
}

func (s *service) CreateRecord(ctx context.Context, caller access.Identity, reg Registration) (*RecordView, error) {
	if err := s.authorize(ctx, caller, access.OpCreateRecord, 0, reg.NSS); err != nil {
		return nil, err
	}
	reg.NSS = strings.TrimSpace(reg.NSS)
	birth, err := reg.validate()
	if err != nil {
		return nil, err
	}

	var hash string
	if reg.Password != "" {
		if hash, err = user.HashPassword(reg.Password); err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
	}
	code, err := s.Encoder.Encode(reg.NSS)
	if err != nil {
		return nil, err
	}

	physicianID := caller.ID
	var view RecordView
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		patient, err := s.Users.GetPatientByNSS(ctx, reg.NSS)
		switch {
		case errors.Is(err, user.ErrPatientNotFound):
			patient = &user.User{
				LastName:     reg.LastName,
				FirstName:    reg.FirstName,
				Email:        user.NormalizeEmail(reg.Email),
				PasswordHash: hash,
				Role:         access.RolePatient,
				Profile: &user.PatientProfile{
					NSS:                  reg.NSS,
					BirthDate:            birth.Time,
					Address:              reg.Address,
					Phone:                reg.Phone,
					Insurer:              reg.Insurer,
					EmergencyContact:     reg.EmergencyContact,
					AttendingPhysicianID: &physicianID,
				},
			}
			if err := s.Users.Create(ctx, patient); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// the patient outlived a deleted record; attach a fresh one
			_, err := s.Repos.Records.GetByPatient(ctx, patient.ID)
			if err == nil {
				return ErrRecordExists
			}
			if !errors.Is(err, ErrRecordNotFound) {
				return err
			}
			if err := s.Users.SetAttendingPhysician(ctx, patient.ID, &physicianID); err != nil {
				return err
			}
			if p, ok := patient.Patient(); ok {
				p.AttendingPhysicianID = &physicianID
			}
		}

		rec := &MedicalRecord{PatientID: patient.ID, IdentifierCode: code}
		if err := s.Repos.Records.Create(ctx, rec); err != nil {
			return err
		}
		view = newRecordView(rec, patient)
		return nil
	})
	if errors.Is(err, user.ErrNSSTaken) {
		err = ErrRecordExists
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, caller, "create_record", audit.EventModify, reg.NSS)
	s.Logger.Info("medical record created", zap.Int64("record_id", view.ID), zap.Int64("physician_id", caller.ID))
	return &view, nil
}

func (s *service) GetRecord(ctx context.Context, caller access.Identity, nss string) (*RecordView, error) {
	patient, rec, err := s.readable(ctx, caller, access.OpReadRecord, nss)
	if err != nil {
		return nil, err
	}
	view := newRecordView(rec, patient)
	return &view, nil
}

func (s *service) ListRecords(ctx context.Context, caller access.Identity) ([]RecordView, error) {
	if err := s.authorize(ctx, caller, access.OpListRecords, 0, ""); err != nil {
		return nil, err
	}
	records, err := s.Repos.Records.List(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		patient, err := s.Users.GetByID(ctx, rec.PatientID)
		if err != nil {
			return nil, fmt.Errorf("load patient %d: %w", rec.PatientID, err)
		}
		views = append(views, newRecordView(rec, patient))
	}
	return views, nil
}

func (s *service) DeleteRecord(ctx context.Context, caller access.Identity, nss string) error {
	if err := s.authorize(ctx, caller, access.OpDeleteRecord, 0, nss); err != nil {
		return err
	}
	_, rec, err := s.patientRecord(ctx, nss)
	if err != nil {
		return err
	}

	reports, err := s.Repos.Imaging.ListByRecord(ctx, rec.ID)
	if err != nil {
		return err
	}
	if err := s.Repos.Records.Delete(ctx, rec.ID); err != nil {
		return err
	}

	for _, rep := range reports {
		if rep.Attachment == nil || s.Attachments == nil {
			continue
		}
		if err := s.Attachments.Delete(ctx, rep.Attachment.ID); err != nil && !errors.Is(err, attachment.ErrNotFound) {
			s.Logger.Warn("orphaned attachment", zap.String("attachment_id", rep.Attachment.ID), zap.Error(err))
		}
	}

	s.record(ctx, caller, "delete_record", audit.EventDelete, nss)
	return nil
}

// AssembleFullRecord reads every entry of the record in parallel. Any failed
// read fails the whole call.
func (s *service) AssembleFullRecord(ctx context.Context, caller access.Identity, nss string) (*FullRecord, error) {
	patient, rec, err := s.readable(ctx, caller, access.OpReadRecord, nss)
	if err != nil {
		return nil, err
	}

	full := &FullRecord{Record: newRecordView(rec, patient)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		full.CareNotes, err = s.Repos.CareNotes.ListByRecord(gctx, rec.ID)
		return err
	})
	g.Go(func() (err error) {
		full.ImagingReports, err = s.Repos.Imaging.ListByRecord(gctx, rec.ID)
		return err
	})
	g.Go(func() (err error) {
		full.LabPanels, err = s.Repos.LabPanels.ListByRecord(gctx, rec.ID)
		return err
	})
	g.Go(func() (err error) {
		full.Prescriptions, err = s.Repos.Prescriptions.ListByRecord(gctx, rec.ID)
		return err
	})
	g.Go(func() (err error) {
		full.Summaries, err = s.Repos.Summaries.ListByRecord(gctx, rec.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("assemble record: %w", err)
	}

	s.record(ctx, caller, "read_full_record", audit.EventAccess, nss)
	return full, nil
}

func (s *service) IdentifierImage(ctx context.Context, caller access.Identity, nss string) ([]byte, error) {
	_, rec, err := s.readable(ctx, caller, access.OpReadRecord, nss)
	if err != nil {
		return nil, err
	}
	if len(rec.IdentifierCode) > 0 {
		return rec.IdentifierCode, nil
	}
	return s.Encoder.Encode(nss)
}

func (s *service) AddCareNote(ctx context.Context, caller access.Identity, nss string, in CareNoteInput) (*CareNote, error) {
	if err := s.authorize(ctx, caller, access.OpAddCareNote, 0, nss); err != nil {
		return nil, err
	}
	date, err := in.validate()
	if err != nil {
		return nil, err
	}
	_, rec, err := s.patientRecord(ctx, nss)
	if err != nil {
		return nil, err
	}
	nurse, err := s.author(ctx, caller)
	if err != nil {
		return nil, err
	}

	note := &CareNote{
		RecordID:                rec.ID,
		Nurse:                   nurse,
		Date:                    date,
		MedicationsAdministered: in.MedicationsAdministered,
		NursingCare:             in.NursingCare,
		Observations:            in.Observations,
	}
	if err := s.Repos.CareNotes.Add(ctx, note); err != nil {
		return nil, err
	}
	s.record(ctx, caller, "add_care_note", audit.EventModify, nss)
	return note, nil
}

func (s *service) ListCareNotes(ctx context.Context, caller access.Identity, nss string) ([]CareNote, error) {
	_, rec, err := s.readable(ctx, caller, access.OpReadEntries, nss)
	if err != nil {
		return nil, err
	}
	return s.Repos.CareNotes.ListByRecord(ctx, rec.ID)
}

func (s *service) AddImagingReport(ctx context.Context, caller access.Identity, nss string, in ImagingInput, upload *Upload) (*ImagingReport, error) {
	if err := s.authorize(ctx, caller, access.OpAddImagingReport, 0, nss); err != nil {
		return nil, err
	}
	date, err := in.validate()
	if err != nil {
		return nil, err
	}
	if upload != nil {
		switch {
		case s.Attachments == nil:
			return nil, access.NewValidationError("image", "attachments are not enabled")
		case !acceptedImage(upload.ContentType):
			return nil, access.NewValidationError("image", "must be an image or DICOM file")
		}
	}

	_, rec, err := s.patientRecord(ctx, nss)
	if err != nil {
		return nil, err
	}
	radiologist, err := s.author(ctx, caller)
	if err != nil {
		return nil, err
	}

	report := &ImagingReport{RecordID: rec.ID, Radiologist: radiologist, Date: date, Description: in.Description}
	if upload != nil {
		id, err := s.Attachments.Put(ctx, upload.Filename, upload.ContentType, upload.Body)
		if err != nil {
			return nil, err
		}
		report.Attachment = &AttachmentRef{ID: id, Filename: upload.Filename, ContentType: upload.ContentType}
	}

	if err := s.Repos.Imaging.Add(ctx, report); err != nil {
		if report.Attachment != nil {
			if derr := s.Attachments.Delete(ctx, report.Attachment.ID); derr != nil {
				s.Logger.Warn("orphaned attachment", zap.String("attachment_id", report.Attachment.ID), zap.Error(derr))
			}
		}
		return nil, err
	}
	s.record(ctx, caller, "add_imaging_report", audit.EventModify, nss)
	return report, nil
}

func acceptedImage(contentType string) bool {
	return strings.HasPrefix(contentType, "image/") || contentType == "application/dicom"
}

func (s *service) ListImagingReports(ctx context.Context, caller access.Identity, nss string) ([]ImagingReport, error) {
	_, rec, err := s.readable(ctx, caller, access.OpReadEntries, nss)
	if err != nil {
		return nil, err
	}
	return s.Repos.Imaging.ListByRecord(ctx, rec.ID)
}

func (s *service) OpenImagingAttachment(ctx context.Context, caller access.Identity, reportID int64) (*attachment.Object, error) {
	report, err := s.Repos.Imaging.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	rec, err := s.Repos.Records.Get(ctx, report.RecordID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, access.OpReadEntries, rec.PatientID, strconv.FormatInt(reportID, 10)); err != nil {
		return nil, err
	}
	if report.Attachment == nil || s.Attachments == nil {
		return nil, ErrAttachmentNotFound
	}

	obj, err := s.Attachments.Open(ctx, report.Attachment.ID)
	if errors.Is(err, attachment.ErrNotFound) {
		return nil, ErrAttachmentNotFound
	}
	return obj, err
}

func (s *service) OrderLabPanel(ctx context.Context, caller access.Identity, nss string, in LabPanelInput) (*LabPanel, error) {
	if err := s.authorize(ctx, caller, access.OpOrderLabPanel, 0, nss); err != nil {
		return nil, err
	}
	date, err := in.validate()
	if err != nil {
		return nil, err
	}
	_, rec, err := s.patientRecord(ctx, nss)
	if err != nil {
		return nil, err
	}
	physician, err := s.author(ctx, caller)
	if err != nil {
		return nil, err
	}

	panel := &LabPanel{RecordID: rec.ID, Physician: physician, Date: date, Description: in.Description}
	if err := s.Repos.LabPanels.Create(ctx, panel); err != nil {
		return nil, err
	}
	s.record(ctx, caller, "order_lab_panel", audit.EventModify, nss)
	return panel, nil
}

// FillLabPanel reports a filled panel as a conflict before looking at the
// payload; the repository repeats the check under a row lock.
func (s *service) FillLabPanel(ctx context.Context, caller access.Identity, panelID int64, in LabResultsInput) (*LabPanel, error) {
	resourceID := strconv.FormatInt(panelID, 10)
	if err := s.authorize(ctx, caller, access.OpFillLabPanel, 0, resourceID); err != nil {
		return nil, err
	}
	panel, err := s.Repos.LabPanels.Get(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if panel.Filled() {
		return nil, ErrLabPanelFilled
	}
	results, err := in.validate()
	if err != nil {
		return nil, err
	}

	filled, err := s.Repos.LabPanels.Fill(ctx, panelID, results, caller.ID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, caller, "fill_lab_panel", audit.EventModify, resourceID)
	return filled, nil
}

func (s *service) ListLabPanels(ctx context.Context, caller access.Identity, nss string) ([]LabPanel, error) {
	_, rec, err := s.readable(ctx, caller, access.OpReadEntries, nss)
	if err != nil {
		return nil, err
	}
	return s.Repos.LabPanels.ListByRecord(ctx, rec.ID)
}

func (s *service) CreatePrescription(ctx context.Context, caller access.Identity, nss string, in PrescriptionInput) (*Prescription, error) {
	if err := s.authorize(ctx, caller, access.OpCreatePrescription, 0, nss); err != nil {
		return nil, err
	}
	date, treatments, err := in.validate()
	if err != nil {
		return nil, err
	}
	_, rec, err := s.patientRecord(ctx, nss)
	if err != nil {
		return nil, err
	}
	physician, err := s.author(ctx, caller)
	if err != nil {
		return nil, err
	}

	p := &Prescription{
		RecordID:   rec.ID,
		Physician:  physician,
		Date:       date,
		Status:     StatusPending,
		Treatments: treatments,
	}
	if err := s.Repos.Prescriptions.Create(ctx, p); err != nil {
		return nil, err
	}
	s.record(ctx, caller, "create_prescription", audit.EventModify, nss)
	return p, nil
}

func (s *service) UpdatePrescriptionStatus(ctx context.Context, caller access.Identity, id int64, status string) (*Prescription, error) {
	resourceID := strconv.FormatInt(id, 10)
	if err := s.authorize(ctx, caller, access.OpUpdatePrescription, 0, resourceID); err != nil {
		return nil, err
	}
	st := PrescriptionStatus(status)
	if !st.Valid() {
		return nil, access.NewValidationError("status", "must be one of pending, validated, rejected")
	}

	if err := s.Repos.Prescriptions.UpdateStatus(ctx, id, st); err != nil {
		return nil, err
	}
	p, err := s.Repos.Prescriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, caller, "update_prescription_status", audit.EventModify, resourceID)
	return p, nil
}

func (s *service) ListPrescriptions(ctx context.Context, caller access.Identity, nss string) ([]Prescription, error) {
	_, rec, err := s.readable(ctx, caller, access.OpReadEntries, nss)
	if err != nil {
		return nil, err
	}
	return s.Repos.Prescriptions.ListByRecord(ctx, rec.ID)
}

func (s *service) CreateSummary(ctx context.Context, caller access.Identity, nss string, in SummaryInput) (*Summary, error) {
	if err := s.authorize(ctx, caller, access.OpCreateSummary, 0, nss); err != nil {
		return nil, err
	}
	date, err := in.validate()
	if err != nil {
		return nil, err
	}
	_, rec, err := s.patientRecord(ctx, nss)
	if err != nil {
		return nil, err
	}
	physician, err := s.author(ctx, caller)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		RecordID:     rec.ID,
		Physician:    physician,
		Date:         date,
		Antecedents:  in.Antecedents,
		Observations: in.Observations,
		Diagnosis:    in.Diagnosis,
	}
	if err := s.Repos.Summaries.Add(ctx, summary); err != nil {
		return nil, err
	}
	s.record(ctx, caller, "create_summary", audit.EventModify, nss)
	return summary, nil
}

func (s *service) ListSummaries(ctx context.Context, caller access.Identity, nss string) ([]Summary, error) {
	_, rec, err := s.readable(ctx, caller, access.OpReadEntries, nss)
	if err != nil {
		return nil, err
	}
	return s.Repos.Summaries.ListByRecord(ctx, rec.ID)
}
