// Package memstore is an in-process storage driver. It enforces the same
// uniqueness, cascade and write-once rules as the Postgres schema and is
// used for local development and tests.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

type txKey struct{}

type medicationKey struct {
	name, dosage, form string
}

type tables struct {
	users         map[int64]user.User
	records       map[int64]record.MedicalRecord
	careNotes     map[int64]record.CareNote
	imaging       map[int64]record.ImagingReport
	labPanels     map[int64]record.LabPanel
	prescriptions map[int64]record.Prescription
	summaries     map[int64]record.Summary
	medications   map[medicationKey]int64
}

func (t tables) clone() tables {
	return tables{
		users:         maps.Clone(t.users),
		records:       maps.Clone(t.records),
		careNotes:     maps.Clone(t.careNotes),
		imaging:       maps.Clone(t.imaging),
		labPanels:     maps.Clone(t.labPanels),
		prescriptions: maps.Clone(t.prescriptions),
		summaries:     maps.Clone(t.summaries),
		medications:   maps.Clone(t.medications),
	}
}

// Store holds every table. Stored values are never mutated in place, so a
// shallow copy of the maps is a consistent snapshot.
type Store struct {
	// txMu serializes writers; a transaction holds it for its whole run.
	txMu sync.Mutex
	mu   sync.RWMutex
	next int64
	t    tables
	now  func() time.Time
}

func New() *Store {
	return &Store{
		t: tables{
			users:         make(map[int64]user.User),
			records:       make(map[int64]record.MedicalRecord),
			careNotes:     make(map[int64]record.CareNote),
			imaging:       make(map[int64]record.ImagingReport),
			labPanels:     make(map[int64]record.LabPanel),
			prescriptions: make(map[int64]record.Prescription),
			summaries:     make(map[int64]record.Summary),
			medications:   make(map[medicationKey]int64),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Users() user.Repository {
	return &users{s}
}

func (s *Store) Records() record.Repositories {
	return record.Repositories{
		Records:       &records{s},
		CareNotes:     &careNotes{s},
		Imaging:       &imaging{s},
		LabPanels:     &labPanels{s},
		Prescriptions: &prescriptions{s},
		Summaries:     &summaries{s},
	}
}

// WithinTx restores the tables as they were before fn when fn fails. Nested
// calls join the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.t.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.t = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) write(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ctx.Value(txKey{}) == nil {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) read(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn()
}

func (s *Store) id() int64 {
	s.next++
	return s.next
}

// author resolves a stored author reference to the current account, or nil
// when the account is gone.
func (s *Store) author(a *record.Author) *record.Author {
	if a == nil {
		return nil
	}
	u, ok := s.t.users[a.ID]
	if !ok {
		return nil
	}
	return &record.Author{ID: u.ID, LastName: u.LastName, FirstName: u.FirstName}
}

func ref(a *record.Author) *record.Author {
	if a == nil {
		return nil
	}
	return &record.Author{ID: a.ID}
}

func sortedKeys[V any](m map[int64]V, keep func(V) bool) []int64 {
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cloneUser(u user.User) *user.User {
	switch p := u.Profile.(type) {
	case *user.PatientProfile:
		cp := *p
		if p.AttendingPhysicianID != nil {
			id := *p.AttendingPhysicianID
			cp.AttendingPhysicianID = &id
		}
		u.Profile = &cp
	case *user.PhysicianProfile:
		cp := *p
		u.Profile = &cp
	}
	return &u
}

type users struct{ *Store }

func (r *users) Create(ctx context.Context, u *user.User) error {
	if err := u.CheckProfile(); err != nil {
		return err
	}
	return r.write(ctx, func() error {
		email := user.NormalizeEmail(u.Email)
		p, isPatient := u.Patient()
		for _, other := range r.t.users {
			if other.Email == email {
				return user.ErrEmailTaken
			}
			if op, ok := other.Patient(); ok && isPatient && op.NSS == p.NSS {
				return user.ErrNSSTaken
			}
		}

		u.ID = r.id()
		u.Email = email
		u.CreatedAt = r.now()
		r.t.users[u.ID] = *cloneUser(*u)
		return nil
	})
}

func (r *users) GetByID(ctx context.Context, id int64) (*user.User, error) {
	var out *user.User
	err := r.read(ctx, func() error {
		u, ok := r.t.users[id]
		if !ok {
			return user.ErrUserNotFound
		}
		out = cloneUser(u)
		return nil
	})
	return out, err
}

func (r *users) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	email = user.NormalizeEmail(email)
	var out *user.User
	err := r.read(ctx, func() error {
		for _, u := range r.t.users {
			if u.Email == email {
				out = cloneUser(u)
				return nil
			}
		}
		return user.ErrUserNotFound
	})
	return out, err
}

func (r *users) GetPatientByNSS(ctx context.Context, nss string) (*user.User, error) {
	var out *user.User
	err := r.read(ctx, func() error {
		for _, u := range r.t.users {
			if p, ok := u.Patient(); ok && p.NSS == nss {
				out = cloneUser(u)
				return nil
			}
		}
		return user.ErrPatientNotFound
	})
	return out, err
}

func (r *users) List(ctx context.Context, role access.Role) ([]*user.User, error) {
	out := []*user.User{}
	err := r.read(ctx, func() error {
		ids := sortedKeys(r.t.users, func(u user.User) bool {
			if role == "" {
				return u.Role.IsStaff()
			}
			return u.Role == role
		})
		for _, id := range ids {
			out = append(out, cloneUser(r.t.users[id]))
		}
		return nil
	})
	return out, err
}

func (r *users) SetAttendingPhysician(ctx context.Context, patientID int64, physicianID *int64) error {
	return r.write(ctx, func() error {
		u, ok := r.t.users[patientID]
		if !ok {
			return user.ErrPatientNotFound
		}
		if _, ok := u.Patient(); !ok {
			return user.ErrPatientNotFound
		}
		updated := cloneUser(u)
		p, _ := updated.Patient()
		p.AttendingPhysicianID = nil
		if physicianID != nil {
			if _, ok := r.t.users[*physicianID]; !ok {
				return user.ErrUserNotFound
			}
			id := *physicianID
			p.AttendingPhysicianID = &id
		}
		r.t.users[patientID] = *updated
		return nil
	})
}

// Delete cascades to the patient's record and clears attending physician
// links that point at the account.
func (r *users) Delete(ctx context.Context, id int64) error {
	return r.write(ctx, func() error {
		if _, ok := r.t.users[id]; !ok {
			return user.ErrUserNotFound
		}
		delete(r.t.users, id)

		for recID, rec := range r.t.records {
			if rec.PatientID == id {
				r.deleteRecord(recID)
			}
		}
		for uid, u := range r.t.users {
			p, ok := u.Patient()
			if !ok || p.AttendingPhysicianID == nil || *p.AttendingPhysicianID != id {
				continue
			}
			updated := cloneUser(u)
			p, _ = updated.Patient()
			p.AttendingPhysicianID = nil
			r.t.users[uid] = *updated
		}
		return nil
	})
}

func (s *Store) deleteRecord(id int64) {
	delete(s.t.records, id)
	for eid, n := range s.t.careNotes {
		if n.RecordID == id {
			delete(s.t.careNotes, eid)
		}
	}
	for eid, rep := range s.t.imaging {
		if rep.RecordID == id {
			delete(s.t.imaging, eid)
		}
	}
	for eid, p := range s.t.labPanels {
		if p.RecordID == id {
			delete(s.t.labPanels, eid)
		}
	}
	for eid, p := range s.t.prescriptions {
		if p.RecordID == id {
			delete(s.t.prescriptions, eid)
		}
	}
	for eid, sm := range s.t.summaries {
		if sm.RecordID == id {
			delete(s.t.summaries, eid)
		}
	}
}

func (s *Store) recordExists(id int64) error {
	if _, ok := s.t.records[id]; !ok {
		return record.ErrRecordNotFound
	}
	return nil
}
