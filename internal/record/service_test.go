package record_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/attachment"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/identifier"
	"github.com/mesikahq/dpi/internal/memstore"
	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

type fixture struct {
	svc   record.Service
	store *memstore.Store
	files *attachment.MemoryStore

	physician, nurse, radiologist, technician, admin access.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memstore.New()
	files := attachment.NewMemoryStore()
	f := &fixture{
		store: store,
		files: files,
		svc: record.NewService(record.Deps{
			Repos:       store.Records(),
			Users:       store.Users(),
			Tx:          store,
			Encoder:     identifier.NewQREncoder(),
			Attachments: files,
			Audit:       audit.NewService(nil, logger, ""),
			Logger:      zap.NewNop(),
		}),
	}
	f.physician = f.staff(t, access.RolePhysician, "medecin@example.dz")
	f.nurse = f.staff(t, access.RoleNurse, "infirmier@example.dz")
	f.radiologist = f.staff(t, access.RoleRadiologist, "radiologue@example.dz")
	f.technician = f.staff(t, access.RoleLabTechnician, "laborantin@example.dz")
	f.admin = f.staff(t, access.RoleAdministrative, "admin@example.dz")
	return f
}

func (f *fixture) staff(t *testing.T, role access.Role, email string) access.Identity {
	t.Helper()
	u := &user.User{LastName: "Staff", FirstName: string(role), Email: email, Role: role}
	if role == access.RolePhysician {
		u.Profile = &user.PhysicianProfile{Specialty: user.DefaultSpecialty}
	}
	require.NoError(t, f.store.Users().Create(context.Background(), u))
	return u.Identity()
}

func registration(nss, lastName, email string) record.Registration {
	return record.Registration{
		NSS:              nss,
		LastName:         lastName,
		FirstName:        "Amine",
		BirthDate:        "1990-04-02",
		Address:          "12 rue Didouche Mourad, Alger",
		Phone:            "0550123456",
		Insurer:          "CNAS",
		EmergencyContact: "0661987654",
		Email:            email,
	}
}

func (f *fixture) createRecord(t *testing.T, nss, email string) *record.RecordView {
	t.Helper()
	view, err := f.svc.CreateRecord(context.Background(), f.physician, registration(nss, "Hamadache", email))
	require.NoError(t, err)
	return view
}

func patientIdentity(view *record.RecordView) access.Identity {
	return access.Identity{ID: view.Patient.ID, Role: access.RolePatient}
}

func ptr(v float64) *float64 { return &v }

func TestCreateRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view := f.createRecord(t, "12345627", "amine@example.dz")
	assert.Equal(t, "12345627", view.Patient.NSS)
	assert.Equal(t, "Hamadache", view.Patient.LastName)
	assert.Equal(t, "1990-04-02", view.Patient.BirthDate.String())
	require.NotNil(t, view.Patient.AttendingPhysicianID)
	assert.Equal(t, f.physician.ID, *view.Patient.AttendingPhysicianID)

	records, err := f.svc.ListRecords(ctx, f.physician)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	png, err := f.svc.IdentifierImage(ctx, f.physician, "12345627")
	require.NoError(t, err)
	expected, err := identifier.NewQREncoder().Encode("12345627")
	require.NoError(t, err)
	assert.Equal(t, expected, png)
}

func TestCreateRecord_Twice(t *testing.T) {
	f := newFixture(t)
	f.createRecord(t, "12345627", "amine@example.dz")

	_, err := f.svc.CreateRecord(context.Background(), f.physician, registration("12345627", "Hamadache", "other@example.dz"))
	assert.ErrorIs(t, err, record.ErrRecordExists)
	assert.ErrorIs(t, err, access.ErrConflict)

	records, err := f.svc.ListRecords(context.Background(), f.physician)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreateRecord_EmailTakenRollsBack(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateRecord(context.Background(), f.physician, registration("999", "Hamadache", "infirmier@example.dz"))
	assert.ErrorIs(t, err, user.ErrEmailTaken)

	_, err = f.store.Users().GetPatientByNSS(context.Background(), "999")
	assert.ErrorIs(t, err, access.ErrNotFound)
}

func TestCreateRecord_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRecord(ctx, f.nurse, registration("1", "A", "a@example.dz"))
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.svc.CreateRecord(ctx, f.physician, record.Registration{NSS: "1", BirthDate: "02/04/1990"})
	var verr *access.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("birth_date"))
	assert.True(t, verr.Has("last_name"))
	assert.True(t, verr.Has("email"))
}

func TestCreateRecord_AfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createRecord(t, "12345627", "amine@example.dz")

	assert.ErrorIs(t, f.svc.DeleteRecord(ctx, f.physician, "12345627"), access.ErrForbidden)
	require.NoError(t, f.svc.DeleteRecord(ctx, f.admin, "12345627"))

	_, err := f.svc.GetRecord(ctx, f.physician, "12345627")
	assert.ErrorIs(t, err, record.ErrRecordNotFound)

	second, err := f.svc.CreateRecord(ctx, f.physician, registration("12345627", "Hamadache", "amine@example.dz"))
	require.NoError(t, err)
	assert.Equal(t, first.Patient.ID, second.Patient.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAssembleFullRecord_CareNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRecord(t, "12345627", "amine@example.dz")

	note, err := f.svc.AddCareNote(ctx, f.nurse, "12345627", record.CareNoteInput{
		Date:                    "2024-03-01",
		MedicationsAdministered: "Paracétamol 1g",
		NursingCare:             "Pansement",
		Observations:            "RAS",
	})
	require.NoError(t, err)
	require.NotNil(t, note.Nurse)
	assert.Equal(t, f.nurse.ID, note.Nurse.ID)

	full, err := f.svc.AssembleFullRecord(ctx, f.physician, "12345627")
	require.NoError(t, err)
	assert.Len(t, full.CareNotes, 1)
	assert.Empty(t, full.LabPanels)
	assert.Empty(t, full.ImagingReports)
	assert.Empty(t, full.Prescriptions)
	assert.Empty(t, full.Summaries)
	assert.Equal(t, "12345627", full.Record.Patient.NSS)
}

func TestAssembleFullRecord_Ownership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createRecord(t, "111", "a@example.dz")
	b := f.createRecord(t, "222", "b@example.dz")

	_, err := f.svc.AssembleFullRecord(ctx, patientIdentity(b), "111")
	assert.ErrorIs(t, err, access.ErrForbidden)

	full, err := f.svc.AssembleFullRecord(ctx, patientIdentity(a), "111")
	require.NoError(t, err)
	assert.Equal(t, a.ID, full.Record.ID)

	_, err = f.svc.AssembleFullRecord(ctx, f.nurse, "111")
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.svc.AssembleFullRecord(ctx, f.physician, "333")
	assert.ErrorIs(t, err, access.ErrNotFound)
}

func TestLabPanel_OrderAndFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRecord(t, "12345627", "amine@example.dz")

	panel, err := f.svc.OrderLabPanel(ctx, f.physician, "12345627", record.LabPanelInput{Date: "2024-03-02", Description: "Bilan sanguin"})
	require.NoError(t, err)
	assert.False(t, panel.Filled())

	filled, err := f.svc.FillLabPanel(ctx, f.technician, panel.ID, record.LabResultsInput{
		Glycemia: ptr(5.5), Cholesterol: ptr(1.8), BloodPressure: "120/80",
	})
	require.NoError(t, err)
	assert.True(t, filled.Filled())

	_, err = f.svc.FillLabPanel(ctx, f.technician, panel.ID, record.LabResultsInput{
		Glycemia: ptr(9), Cholesterol: ptr(9), BloodPressure: "9/9",
	})
	assert.ErrorIs(t, err, record.ErrLabPanelFilled)
	_, err = f.svc.FillLabPanel(ctx, f.technician, panel.ID, record.LabResultsInput{})
	assert.ErrorIs(t, err, access.ErrConflict)

	full, err := f.svc.AssembleFullRecord(ctx, f.physician, "12345627")
	require.NoError(t, err)
	require.Len(t, full.LabPanels, 1)
	got := full.LabPanels[0]
	require.NotNil(t, got.Results)
	assert.Equal(t, 5.5, got.Results.Glycemia)
	assert.Equal(t, 1.8, got.Results.Cholesterol)
	assert.Equal(t, "120/80", got.Results.BloodPressure)
	require.NotNil(t, got.LabTechnician)
	assert.Equal(t, f.technician.ID, got.LabTechnician.ID)
	assert.NotNil(t, got.FilledAt)
}

func TestLabPanel_FillRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRecord(t, "12345627", "amine@example.dz")
	panel, err := f.svc.OrderLabPanel(ctx, f.physician, "12345627", record.LabPanelInput{Date: "2024-03-02", Description: "Bilan"})
	require.NoError(t, err)

	_, err = f.svc.FillLabPanel(ctx, f.physician, panel.ID, record.LabResultsInput{})
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = f.svc.FillLabPanel(ctx, f.technician, 9999, record.LabResultsInput{})
	assert.ErrorIs(t, err, record.ErrLabPanelNotFound)

	_, err = f.svc.FillLabPanel(ctx, f.technician, panel.ID, record.LabResultsInput{Glycemia: ptr(5.5)})
	var verr *access.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"blood_pressure", "cholesterol"}, verr.Names())

	_, err = f.svc.OrderLabPanel(ctx, f.physician, "000", record.LabPanelInput{Date: "2024-03-02", Description: "Bilan"})
	assert.ErrorIs(t, err, access.ErrNotFound)
}

func TestLabPanel_ConcurrentFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRecord(t, "12345627", "amine@example.dz")
	panel, err := f.svc.OrderLabPanel(ctx, f.physician, "12345627", record.LabPanelInput{Date: "2024-03-02", Description: "Bilan"})
	require.NoError(t, err)

	const attempts = 10
	var (
		wg   sync.WaitGroup
		errs = make([]error, attempts)
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.FillLabPanel(ctx, f.technician, panel.ID, record.LabResultsInput{
				Glycemia: ptr(float64(i + 1)), Cholesterol: ptr(1.8), BloodPressure: "120/80",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, access.ErrConflict)
	}
	assert.Equal(t, 1, succeeded)
}

func TestImagingReport_Attachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.createRecord(t, "12345627", "amine@example.dz")

	_, err := f.svc.AddImagingReport(ctx, f.radiologist, "12345627",
		record.ImagingInput{Date: "2024-03-03", Description: "Radio thorax"},
		&record.Upload{Filename: "notes.txt", ContentType: "text/plain", Body: strings.NewReader("x")})
	var verr *access.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("image"))

	report, err := f.svc.AddImagingReport(ctx, f.radiologist, "12345627",
		record.ImagingInput{Date: "2024-03-03", Description: "Radio thorax"},
		&record.Upload{Filename: "thorax.png", ContentType: "image/png", Body: strings.NewReader("pixels")})
	require.NoError(t, err)
	require.NotNil(t, report.Attachment)

	obj, err := f.svc.OpenImagingAttachment(ctx, patientIdentity(view), report.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.NoError(t, obj.Close())
	assert.Equal(t, "pixels", string(data))

	_, err = f.svc.OpenImagingAttachment(ctx, f.admin, report.ID)
	assert.ErrorIs(t, err, access.ErrForbidden)

	require.NoError(t, f.svc.DeleteRecord(ctx, f.admin, "12345627"))
	_, err = f.files.Open(ctx, report.Attachment.ID)
	assert.ErrorIs(t, err, attachment.ErrNotFound)
}

func TestImagingReport_WithoutAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRecord(t, "12345627", "amine@example.dz")

	report, err := f.svc.AddImagingReport(ctx, f.radiologist, "12345627",
		record.ImagingInput{Date: "2024-03-03", Description: "Echographie"}, nil)
	require.NoError(t, err)

	_, err = f.svc.OpenImagingAttachment(ctx, f.physician, report.ID)
	assert.ErrorIs(t, err, record.ErrAttachmentNotFound)

	_, err = f.svc.AddImagingReport(ctx, f.nurse, "12345627",
		record.ImagingInput{Date: "2024-03-03", Description: "Echographie"}, nil)
	assert.ErrorIs(t, err, access.ErrForbidden)
}

func TestPrescription_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRecord(t, "12345627", "amine@example.dz")

	p, err := f.svc.CreatePrescription(ctx, f.physician, "12345627", record.PrescriptionInput{
		Date: "2024-03-04",
		Treatments: []record.TreatmentInput{
			{Medication: record.MedicationInput{Name: "Doliprane", Dosage: "1g", Form: "comprimé"}, Quantity: 2, Duration: "5 jours"},
			{Medication: record.MedicationInput{Name: "Spasfon", Dosage: "80mg", Form: "comprimé"}, Quantity: 1, Description: "Le soir", Duration: "3 jours"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, p.Status)
	require.Len(t, p.Treatments, 2)
	assert.Equal(t, record.DefaultTreatmentDescription, p.Treatments[0].Description)
	assert.Equal(t, 2, p.Treatments[1].Position)

	_, err = f.svc.UpdatePrescriptionStatus(ctx, f.physician, p.ID, "sent")
	var verr *access.ValidationError
	require.ErrorAs(t, err, &verr)

	updated, err := f.svc.UpdatePrescriptionStatus(ctx, f.physician, p.ID, "validated")
	require.NoError(t, err)
	assert.Equal(t, record.StatusValidated, updated.Status)

	_, err = f.svc.UpdatePrescriptionStatus(ctx, f.physician, 9999, "rejected")
	assert.ErrorIs(t, err, record.ErrPrescriptionNotFound)

	_, err = f.svc.CreatePrescription(ctx, f.physician, "12345627", record.PrescriptionInput{Date: "2024-03-04"})
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("treatments"))
}

func TestSummary_ListedInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.createRecord(t, "12345627", "amine@example.dz")

	for _, diagnosis := range []string{"Grippe", "Angine"} {
		_, err := f.svc.CreateSummary(ctx, f.physician, "12345627", record.SummaryInput{
			Date: "2024-03-05", Antecedents: "Aucun", Observations: "Fièvre", Diagnosis: diagnosis,
		})
		require.NoError(t, err)
	}

	list, err := f.svc.ListSummaries(ctx, patientIdentity(view), "12345627")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Grippe", list[0].Diagnosis)
	assert.Equal(t, "Angine", list[1].Diagnosis)

	_, err = f.svc.ListSummaries(ctx, f.admin, "12345627")
	assert.ErrorIs(t, err, access.ErrForbidden)
}
