package memstore

import (
	"context"

	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

type records struct{ *Store }

func (r *records) Create(ctx context.Context, rec *record.MedicalRecord) error {
	return r.write(ctx, func() error {
		u, ok := r.t.users[rec.PatientID]
		if !ok {
			return user.ErrPatientNotFound
		}
		if _, ok := u.Patient(); !ok {
			return user.ErrPatientNotFound
		}
		for _, other := range r.t.records {
			if other.PatientID == rec.PatientID {
				return record.ErrRecordExists
			}
		}

		rec.ID = r.id()
		rec.CreatedAt = r.now()
		stored := *rec
		stored.IdentifierCode = append([]byte(nil), rec.IdentifierCode...)
		r.t.records[rec.ID] = stored
		return nil
	})
}

func (r *records) Get(ctx context.Context, id int64) (*record.MedicalRecord, error) {
	var out *record.MedicalRecord
	err := r.read(ctx, func() error {
		rec, ok := r.t.records[id]
		if !ok {
			return record.ErrRecordNotFound
		}
		out = &rec
		return nil
	})
	return out, err
}

func (r *records) GetByPatient(ctx context.Context, patientID int64) (*record.MedicalRecord, error) {
	var out *record.MedicalRecord
	err := r.read(ctx, func() error {
		for _, rec := range r.t.records {
			if rec.PatientID == patientID {
				out = &rec
				return nil
			}
		}
		return record.ErrRecordNotFound
	})
	return out, err
}

func (r *records) List(ctx context.Context) ([]*record.MedicalRecord, error) {
	out := []*record.MedicalRecord{}
	err := r.read(ctx, func() error {
		for _, id := range sortedKeys(r.t.records, func(record.MedicalRecord) bool { return true }) {
			rec := r.t.records[id]
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (r *records) UpdateIdentifierCode(ctx context.Context, id int64, code []byte) error {
	return r.write(ctx, func() error {
		rec, ok := r.t.records[id]
		if !ok {
			return record.ErrRecordNotFound
		}
		rec.IdentifierCode = append([]byte(nil), code...)
		r.t.records[id] = rec
		return nil
	})
}

func (r *records) Delete(ctx context.Context, id int64) error {
	return r.write(ctx, func() error {
		if err := r.recordExists(id); err != nil {
			return err
		}
		r.deleteRecord(id)
		return nil
	})
}

type careNotes struct{ *Store }

func (r *careNotes) Add(ctx context.Context, n *record.CareNote) error {
	return r.write(ctx, func() error {
		if err := r.recordExists(n.RecordID); err != nil {
			return err
		}
		n.ID = r.id()
		n.CreatedAt = r.now()
		stored := *n
		stored.Nurse = ref(n.Nurse)
		r.t.careNotes[n.ID] = stored
		return nil
	})
}

func (r *careNotes) ListByRecord(ctx context.Context, recordID int64) ([]record.CareNote, error) {
	out := []record.CareNote{}
	err := r.read(ctx, func() error {
		for _, id := range sortedKeys(r.t.careNotes, func(n record.CareNote) bool { return n.RecordID == recordID }) {
			n := r.t.careNotes[id]
			n.Nurse = r.author(n.Nurse)
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

type imaging struct{ *Store }

func (r *imaging) Add(ctx context.Context, rep *record.ImagingReport) error {
	return r.write(ctx, func() error {
		if err := r.recordExists(rep.RecordID); err != nil {
			return err
		}
		rep.ID = r.id()
		rep.CreatedAt = r.now()
		stored := *rep
		stored.Radiologist = ref(rep.Radiologist)
		if rep.Attachment != nil {
			a := *rep.Attachment
			stored.Attachment = &a
		}
		r.t.imaging[rep.ID] = stored
		return nil
	})
}

func (r *imaging) resolve(rep record.ImagingReport) record.ImagingReport {
	rep.Radiologist = r.author(rep.Radiologist)
	if rep.Attachment != nil {
		a := *rep.Attachment
		rep.Attachment = &a
	}
	return rep
}

func (r *imaging) Get(ctx context.Context, id int64) (*record.ImagingReport, error) {
	var out *record.ImagingReport
	err := r.read(ctx, func() error {
		rep, ok := r.t.imaging[id]
		if !ok {
			return record.ErrImagingNotFound
		}
		rep = r.resolve(rep)
		out = &rep
		return nil
	})
	return out, err
}

func (r *imaging) ListByRecord(ctx context.Context, recordID int64) ([]record.ImagingReport, error) {
	out := []record.ImagingReport{}
	err := r.read(ctx, func() error {
		for _, id := range sortedKeys(r.t.imaging, func(rep record.ImagingReport) bool { return rep.RecordID == recordID }) {
			out = append(out, r.resolve(r.t.imaging[id]))
		}
		return nil
	})
	return out, err
}

type labPanels struct{ *Store }

func (r *labPanels) Create(ctx context.Context, p *record.LabPanel) error {
	return r.write(ctx, func() error {
		if err := r.recordExists(p.RecordID); err != nil {
			return err
		}
		p.ID = r.id()
		p.CreatedAt = r.now()
		p.Results, p.LabTechnician, p.FilledAt = nil, nil, nil
		stored := *p
		stored.Physician = ref(p.Physician)
		r.t.labPanels[p.ID] = stored
		return nil
	})
}

func (r *labPanels) resolve(p record.LabPanel) record.LabPanel {
	p.Physician = r.author(p.Physician)
	p.LabTechnician = r.author(p.LabTechnician)
	if p.Results != nil {
		res := *p.Results
		p.Results = &res
	}
	if p.FilledAt != nil {
		at := *p.FilledAt
		p.FilledAt = &at
	}
	return p
}

func (r *labPanels) Get(ctx context.Context, id int64) (*record.LabPanel, error) {
	var out *record.LabPanel
	err := r.read(ctx, func() error {
		p, ok := r.t.labPanels[id]
		if !ok {
			return record.ErrLabPanelNotFound
		}
		p = r.resolve(p)
		out = &p
		return nil
	})
	return out, err
}

func (r *labPanels) Fill(ctx context.Context, id int64, results record.LabResults, technicianID int64) (*record.LabPanel, error) {
	var out *record.LabPanel
	err := r.write(ctx, func() error {
		p, ok := r.t.labPanels[id]
		if !ok {
			return record.ErrLabPanelNotFound
		}
		if p.Filled() {
			return record.ErrLabPanelFilled
		}

		at := r.now()
		p.Results = &results
		p.LabTechnician = &record.Author{ID: technicianID}
		p.FilledAt = &at
		r.t.labPanels[id] = p

		resolved := r.resolve(p)
		out = &resolved
		return nil
	})
	return out, err
}

func (r *labPanels) ListByRecord(ctx context.Context, recordID int64) ([]record.LabPanel, error) {
	out := []record.LabPanel{}
	err := r.read(ctx, func() error {
		for _, id := range sortedKeys(r.t.labPanels, func(p record.LabPanel) bool { return p.RecordID == recordID }) {
			out = append(out, r.resolve(r.t.labPanels[id]))
		}
		return nil
	})
	return out, err
}

type prescriptions struct{ *Store }

// Create reuses a stored medication with the same name, dosage and form.
func (r *prescriptions) Create(ctx context.Context, p *record.Prescription) error {
	return r.write(ctx, func() error {
		if err := r.recordExists(p.RecordID); err != nil {
			return err
		}
		p.ID = r.id()
		p.CreatedAt = r.now()
		if p.Status == "" {
			p.Status = record.StatusPending
		}

		treatments := make([]record.Treatment, len(p.Treatments))
		for i := range p.Treatments {
			t := &p.Treatments[i]
			key := medicationKey{t.Medication.Name, t.Medication.Dosage, t.Medication.Form}
			medID, ok := r.t.medications[key]
			if !ok {
				medID = r.id()
				r.t.medications[key] = medID
			}
			t.Medication.ID = medID
			t.ID = r.id()
			treatments[i] = *t
		}

		stored := *p
		stored.Physician = ref(p.Physician)
		stored.Treatments = treatments
		r.t.prescriptions[p.ID] = stored
		return nil
	})
}

func (r *prescriptions) resolve(p record.Prescription) record.Prescription {
	p.Physician = r.author(p.Physician)
	p.Treatments = append([]record.Treatment(nil), p.Treatments...)
	return p
}

func (r *prescriptions) Get(ctx context.Context, id int64) (*record.Prescription, error) {
	var out *record.Prescription
	err := r.read(ctx, func() error {
		p, ok := r.t.prescriptions[id]
		if !ok {
			return record.ErrPrescriptionNotFound
		}
		p = r.resolve(p)
		out = &p
		return nil
	})
	return out, err
}

func (r *prescriptions) UpdateStatus(ctx context.Context, id int64, status record.PrescriptionStatus) error {
	return r.write(ctx, func() error {
		p, ok := r.t.prescriptions[id]
		if !ok {
			return record.ErrPrescriptionNotFound
		}
		p.Status = status
		r.t.prescriptions[id] = p
		return nil
	})
}

func (r *prescriptions) ListByRecord(ctx context.Context, recordID int64) ([]record.Prescription, error) {
	out := []record.Prescription{}
	err := r.read(ctx, func() error {
		for _, id := range sortedKeys(r.t.prescriptions, func(p record.Prescription) bool { return p.RecordID == recordID }) {
			out = append(out, r.resolve(r.t.prescriptions[id]))
		}
		return nil
	})
	return out, err
}

type summaries struct{ *Store }

func (r *summaries) Add(ctx context.Context, s *record.Summary) error {
	return r.write(ctx, func() error {
		if err := r.recordExists(s.RecordID); err != nil {
			return err
		}
		s.ID = r.id()
		s.CreatedAt = r.now()
		stored := *s
		stored.Physician = ref(s.Physician)
		r.t.summaries[s.ID] = stored
		return nil
	})
}

func (r *summaries) ListByRecord(ctx context.Context, recordID int64) ([]record.Summary, error) {
	out := []record.Summary{}
	err := r.read(ctx, func() error {
		for _, id := range sortedKeys(r.t.summaries, func(s record.Summary) bool { return s.RecordID == recordID }) {
			sm := r.t.summaries[id]
			sm.Physician = r.author(sm.Physician)
			out = append(out, sm)
		}
		return nil
	})
	return out, err
}
