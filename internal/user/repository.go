package user

import (
	"context"

	"github.com/mesikahq/dpi/internal/access"
)

// Repository persists users together with their role profile.
type Repository interface {
	// Create fills u.ID and u.CreatedAt.
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetPatientByNSS(ctx context.Context, nss string) (*User, error)
	// List returns users with the given role, or every staff member when role is empty.
	List(ctx context.Context, role access.Role) ([]*User, error)
	SetAttendingPhysician(ctx context.Context, patientID int64, physicianID *int64) error
	Delete(ctx context.Context, id int64) error
}
