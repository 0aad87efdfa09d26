package user

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/mesikahq/dpi/internal/access"
)

var (
	ErrUserNotFound    = fmt.Errorf("user: %w", access.ErrNotFound)
	ErrPatientNotFound = fmt.Errorf("patient: %w", access.ErrNotFound)
	ErrEmailTaken      = fmt.Errorf("email already registered: %w", access.ErrConflict)
	ErrNSSTaken        = fmt.Errorf("nss already registered: %w", access.ErrConflict)
)

const DefaultSpecialty = "generaliste"

// User is a single account row. Profile carries the role specific payload:
// *PhysicianProfile for physicians, *PatientProfile for patients, nil otherwise.
type User struct {
	ID           int64
	LastName     string
	FirstName    string
	Email        string
	PasswordHash string
	Role         access.Role
	Profile      Profile
	CreatedAt    time.Time
}

type Profile interface {
	profileRole() access.Role
}

type PhysicianProfile struct {
	Specialty string `json:"specialty"`
}

func (*PhysicianProfile) profileRole() access.Role { return access.RolePhysician }

type PatientProfile struct {
	NSS                  string    `json:"nss"`
	BirthDate            time.Time `json:"birth_date"`
	Address              string    `json:"address"`
	Phone                string    `json:"phone"`
	Insurer              string    `json:"insurer"`
	EmergencyContact     string    `json:"emergency_contact"`
	AttendingPhysicianID *int64    `json:"attending_physician_id"`
}

func (*PatientProfile) profileRole() access.Role { return access.RolePatient }

func (u *User) Patient() (*PatientProfile, bool) {
	p, ok := u.Profile.(*PatientProfile)
	return p, ok && p != nil
}

func (u *User) Physician() (*PhysicianProfile, bool) {
	p, ok := u.Profile.(*PhysicianProfile)
	return p, ok && p != nil
}

func (u *User) Identity() access.Identity {
	return access.Identity{ID: u.ID, Role: u.Role}
}

// CheckProfile enforces that the payload matches the role tag.
func (u *User) CheckProfile() error {
	switch u.Role {
	case access.RolePhysician, access.RolePatient:
		if u.Profile == nil || u.Profile.profileRole() != u.Role {
			return fmt.Errorf("role %s requires a %s profile", u.Role, u.Role)
		}
	default:
		if u.Profile != nil {
			return fmt.Errorf("role %s carries no profile", u.Role)
		}
	}
	return nil
}

// View is the public representation of a user.
type View struct {
	ID        int64           `json:"id"`
	LastName  string          `json:"last_name"`
	FirstName string          `json:"first_name"`
	Email     string          `json:"email"`
	Role      access.Role     `json:"role"`
	Specialty string          `json:"specialty,omitempty"`
	Patient   *PatientProfile `json:"patient,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (u *User) View() View {
	v := View{
		ID:        u.ID,
		LastName:  u.LastName,
		FirstName: u.FirstName,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
	if p, ok := u.Physician(); ok {
		v.Specialty = p.Specialty
	}
	if p, ok := u.Patient(); ok {
		v.Patient = p
	}
	return v
}

// NormalizeEmail is the stored form of an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// StaffRegistration creates a staff account.
type StaffRegistration struct {
	LastName  string `json:"last_name" yaml:"last_name"`
	FirstName string `json:"first_name" yaml:"first_name"`
	Email     string `json:"email" yaml:"email"`
	Password  string `json:"password" yaml:"password"`
	Role      string `json:"role" yaml:"role"`
	Specialty string `json:"specialty" yaml:"specialty"`
}

const MinPasswordLength = 8

func (r *StaffRegistration) Validate() (access.Role, error) {
	var v access.Validator
	v.Required("last_name", r.LastName)
	v.Required("first_name", r.FirstName)
	v.Required("email", r.Email)
	if r.Email != "" {
		v.Check(validEmail(NormalizeEmail(r.Email)), "email", "is not a valid address")
	}
	v.Check(len(r.Password) >= MinPasswordLength, "password", fmt.Sprintf("must be at least %d characters", MinPasswordLength))

	role, err := access.ParseRole(r.Role)
	switch {
	case err != nil:
		v.Add("role", err)
	case !role.IsStaff():
		v.Check(false, "role", "must be a staff role")
	}
	if r.Specialty != "" && role != access.RolePhysician {
		v.Check(false, "specialty", "only applies to physicians")
	}
	return role, v.Err()
}
