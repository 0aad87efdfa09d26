package record

import (
	"fmt"
	"io"
	"strings"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/user"
)

// Registration creates a patient together with their medical record.
type Registration struct {
	NSS              string `json:"nss"`
	LastName         string `json:"last_name"`
	FirstName        string `json:"first_name"`
	BirthDate        string `json:"birth_date"`
	Address          string `json:"address"`
	Phone            string `json:"phone"`
	Insurer          string `json:"insurer"`
	EmergencyContact string `json:"emergency_contact"`
	Email            string `json:"email"`
	Password         string `json:"password"`
}

func (r *Registration) validate() (Date, error) {
	var v access.Validator
	v.Required("nss", r.NSS)
	v.Required("last_name", r.LastName)
	v.Required("first_name", r.FirstName)
	v.Required("birth_date", r.BirthDate)
	v.Required("address", r.Address)
	v.Required("phone", r.Phone)
	v.Required("insurer", r.Insurer)
	v.Required("emergency_contact", r.EmergencyContact)
	v.Required("email", r.Email)

	birth := requireDate(&v, "birth_date", r.BirthDate)
	if r.Email != "" && !strings.Contains(r.Email, "@") {
		v.Check(false, "email", "is not a valid address")
	}
	if r.Password != "" && len(r.Password) < user.MinPasswordLength {
		v.Check(false, "password", fmt.Sprintf("must be at least %d characters", user.MinPasswordLength))
	}
	return birth, v.Err()
}

type CareNoteInput struct {
	Date                    string `json:"date"`
	MedicationsAdministered string `json:"medications_administered"`
	NursingCare             string `json:"nursing_care"`
	Observations            string `json:"observations"`
}

func (in *CareNoteInput) validate() (Date, error) {
	var v access.Validator
	v.Required("date", in.Date)
	v.Required("medications_administered", in.MedicationsAdministered)
	v.Required("nursing_care", in.NursingCare)
	v.Required("observations", in.Observations)
	d := requireDate(&v, "date", in.Date)
	return d, v.Err()
}

type ImagingInput struct {
	Date        string `json:"date" form:"date"`
	Description string `json:"description" form:"description"`
}

func (in *ImagingInput) validate() (Date, error) {
	var v access.Validator
	v.Required("date", in.Date)
	v.Required("description", in.Description)
	d := requireDate(&v, "date", in.Date)
	return d, v.Err()
}

// Upload is an attachment sent with an imaging report.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

type LabPanelInput struct {
	Date        string `json:"date"`
	Description string `json:"description"`
}

func (in *LabPanelInput) validate() (Date, error) {
	var v access.Validator
	v.Required("date", in.Date)
	v.Required("description", in.Description)
	d := requireDate(&v, "date", in.Date)
	return d, v.Err()
}

// LabResultsInput uses pointers so a missing value is told apart from zero.
type LabResultsInput struct {
	Glycemia      *float64 `json:"glycemia"`
	Cholesterol   *float64 `json:"cholesterol"`
	BloodPressure string   `json:"blood_pressure"`
}

func (in *LabResultsInput) validate() (LabResults, error) {
	var v access.Validator
	v.Check(in.Glycemia != nil, "glycemia", "is required")
	v.Check(in.Cholesterol != nil, "cholesterol", "is required")
	v.Required("blood_pressure", in.BloodPressure)
	if in.Glycemia != nil {
		v.Check(*in.Glycemia > 0, "glycemia", "must be positive")
	}
	if in.Cholesterol != nil {
		v.Check(*in.Cholesterol > 0, "cholesterol", "must be positive")
	}
	if err := v.Err(); err != nil {
		return LabResults{}, err
	}
	return LabResults{
		Glycemia:      *in.Glycemia,
		Cholesterol:   *in.Cholesterol,
		BloodPressure: strings.TrimSpace(in.BloodPressure),
	}, nil
}

type MedicationInput struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
	Form   string `json:"form"`
}

type TreatmentInput struct {
	Medication  MedicationInput `json:"medication"`
	Quantity    int             `json:"quantity"`
	Description string          `json:"description"`
	Duration    string          `json:"duration"`
}

type PrescriptionInput struct {
	Date       string           `json:"date"`
	Treatments []TreatmentInput `json:"treatments"`
}

func (in *PrescriptionInput) validate() (Date, []Treatment, error) {
	var v access.Validator
	v.Required("date", in.Date)
	d := requireDate(&v, "date", in.Date)
	v.Check(len(in.Treatments) > 0, "treatments", "at least one treatment is required")

	treatments := make([]Treatment, 0, len(in.Treatments))
	for i, t := range in.Treatments {
		prefix := fmt.Sprintf("treatments[%d].", i)
		v.Required(prefix+"medication.name", t.Medication.Name)
		v.Required(prefix+"medication.dosage", t.Medication.Dosage)
		v.Required(prefix+"medication.form", t.Medication.Form)
		v.Required(prefix+"duration", t.Duration)
		v.Check(t.Quantity > 0, prefix+"quantity", "must be positive")

		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			desc = DefaultTreatmentDescription
		}
		treatments = append(treatments, Treatment{
			Position: i + 1,
			Medication: Medication{
				Name:   strings.TrimSpace(t.Medication.Name),
				Dosage: strings.TrimSpace(t.Medication.Dosage),
				Form:   strings.TrimSpace(t.Medication.Form),
			},
			Quantity:    t.Quantity,
			Description: desc,
			Duration:    strings.TrimSpace(t.Duration),
		})
	}
	return d, treatments, v.Err()
}

type SummaryInput struct {
	Date         string `json:"date"`
	Antecedents  string `json:"antecedents"`
	Observations string `json:"observations"`
	Diagnosis    string `json:"diagnosis"`
}

func (in *SummaryInput) validate() (Date, error) {
	var v access.Validator
	v.Required("date", in.Date)
	v.Required("antecedents", in.Antecedents)
	v.Required("observations", in.Observations)
	v.Required("diagnosis", in.Diagnosis)
	d := requireDate(&v, "date", in.Date)
	return d, v.Err()
}

func requireDate(v *access.Validator, field, value string) Date {
	if strings.TrimSpace(value) == "" {
		return Date{}
	}
	d, err := ParseDate(strings.TrimSpace(value))
	if err != nil {
		v.Add(field, err)
	}
	return d
}
