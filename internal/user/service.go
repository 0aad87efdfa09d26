package user

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/audit"
)

type Service interface {
	RegisterStaff(ctx context.Context, caller access.Identity, reg StaffRegistration) (*User, error)
	// Bootstrap creates a staff account without a caller; used by the admin tool.
	Bootstrap(ctx context.Context, reg StaffRegistration) (*User, error)
	DeleteStaff(ctx context.Context, caller access.Identity, id int64) error
	ListStaff(ctx context.Context, caller access.Identity, role string) ([]*User, error)
	Get(ctx context.Context, id int64) (*User, error)
}

type service struct {
	users  Repository
	audit  audit.Service
	logger *zap.Logger
}

func NewService(users Repository, auditSvc audit.Service, logger *zap.Logger) Service {
	return &service{users: users, audit: auditSvc, logger: logger}
}

func (s *service) RegisterStaff(ctx context.Context, caller access.Identity, reg StaffRegistration) (*User, error) {
	if err := access.Authorize(caller, access.OpRegisterStaff, 0); err != nil {
		return nil, err
	}
	u, err := s.create(ctx, reg)
	if err != nil {
		return nil, err
	}

	_ = s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventModify,
		UserID:     caller.ID,
		Role:       string(caller.Role),
		Action:     "register_staff",
		Resource:   "user",
		ResourceID: strconv.FormatInt(u.ID, 10),
	})
	return u, nil
}

func (s *service) Bootstrap(ctx context.Context, reg StaffRegistration) (*User, error) {
	return s.create(ctx, reg)
}

func (s *service) create(ctx context.Context, reg StaffRegistration) (*User, error) {
	role, err := reg.Validate()
	if err != nil {
		return nil, err
	}

	hash, err := HashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		LastName:     reg.LastName,
		FirstName:    reg.FirstName,
		Email:        NormalizeEmail(reg.Email),
		PasswordHash: hash,
		Role:         role,
	}
	if role == access.RolePhysician {
		specialty := reg.Specialty
		if specialty == "" {
			specialty = DefaultSpecialty
		}
		u.Profile = &PhysicianProfile{Specialty: specialty}
	}

	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("staff account created", zap.Int64("user_id", u.ID), zap.String("role", string(role)))
	return u, nil
}

func (s *service) DeleteStaff(ctx context.Context, caller access.Identity, id int64) error {
	if err := access.Authorize(caller, access.OpDeleteStaff, 0); err != nil {
		return err
	}

	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !u.Role.IsStaff() {
		return access.NewValidationError("id", "is not a staff account")
	}
	if u.ID == caller.ID {
		return access.NewValidationError("id", "cannot delete your own account")
	}

	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}

	_ = s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventDelete,
		UserID:     caller.ID,
		Role:       string(caller.Role),
		Action:     "delete_staff",
		Resource:   "user",
		ResourceID: strconv.FormatInt(id, 10),
	})
	return nil
}

func (s *service) ListStaff(ctx context.Context, caller access.Identity, role string) ([]*User, error) {
	if err := access.Authorize(caller, access.OpListStaff, 0); err != nil {
		return nil, err
	}
	if role == "" {
		return s.users.List(ctx, "")
	}

	r, err := access.ParseRole(role)
	if err != nil {
		return nil, access.NewValidationError("role", err.Error())
	}
	if !r.IsStaff() {
		return nil, access.NewValidationError("role", "must be a staff role")
	}
	return s.users.List(ctx, r)
}

func (s *service) Get(ctx context.Context, id int64) (*User, error) {
	return s.users.GetByID(ctx, id)
}
