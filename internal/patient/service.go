// Package patient holds the patient operations that are not part of a
// medical record: identifier lookup, physician reassignment and the audit
// history of a patient.
package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/database"
	"github.com/mesikahq/dpi/internal/identifier"
	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

const historySize = 100

type Service interface {
	LookupNSS(ctx context.Context, caller access.Identity, patientID int64) (string, error)
	ReassignPhysician(ctx context.Context, caller access.Identity, nss string, physicianID int64) (*user.User, error)
	History(ctx context.Context, caller access.Identity, nss string) ([]audit.AuditEvent, error)
}

type service struct {
	users   user.Repository
	records record.RecordRepository
	tx      database.Transactor
	encoder identifier.Encoder
	audit   audit.Service
	logger  *zap.Logger
}

func NewService(users user.Repository, records record.RecordRepository, tx database.Transactor,
	encoder identifier.Encoder, auditSvc audit.Service, logger *zap.Logger) Service {
	return &service{
		users:   users,
		records: records,
		tx:      tx,
		encoder: encoder,
		audit:   auditSvc,
		logger:  logger,
	}
}

// LookupNSS authorizes before looking the patient up so that a patient
// cannot probe other ids.
func (s *service) LookupNSS(ctx context.Context, caller access.Identity, patientID int64) (string, error) {
	if err := access.Authorize(caller, access.OpLookupIdentifier, patientID); err != nil {
		return "", err
	}

	u, err := s.users.GetByID(ctx, patientID)
	if errors.Is(err, user.ErrUserNotFound) {
		return "", user.ErrPatientNotFound
	}
	if err != nil {
		return "", err
	}
	p, ok := u.Patient()
	if !ok {
		return "", user.ErrPatientNotFound
	}
	return p.NSS, nil
}

// ReassignPhysician links the patient to another physician and regenerates
// the identifier code of their record in the same transaction.
func (s *service) ReassignPhysician(ctx context.Context, caller access.Identity, nss string, physicianID int64) (*user.User, error) {
	if err := access.Authorize(caller, access.OpReassignPhysician, 0); err != nil {
		return nil, err
	}

	physician, err := s.users.GetByID(ctx, physicianID)
	if errors.Is(err, user.ErrUserNotFound) || (err == nil && physician.Role != access.RolePhysician) {
		return nil, access.NewValidationError("physician_id", "must reference a physician")
	}
	if err != nil {
		return nil, err
	}

	patient, err := s.users.GetPatientByNSS(ctx, nss)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.GetByPatient(ctx, patient.ID)
	if err != nil {
		return nil, err
	}

	code, err := s.encoder.Encode(nss)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.users.SetAttendingPhysician(ctx, patient.ID, &physician.ID); err != nil {
			return err
		}
		return s.records.UpdateIdentifierCode(ctx, rec.ID, code)
	})
	if err != nil {
		return nil, fmt.Errorf("reassign physician: %w", err)
	}

	_ = s.audit.LogEvent(ctx, &audit.AuditEvent{
		EventType:  audit.EventModify,
		UserID:     caller.ID,
		Role:       string(caller.Role),
		Action:     "reassign_physician",
		Resource:   "patient",
		ResourceID: nss,
		Details:    json.RawMessage(fmt.Sprintf(`{"physician_id":%d}`, physician.ID)),
	})
	s.logger.Info("attending physician reassigned",
		zap.Int64("patient_id", patient.ID), zap.Int64("physician_id", physician.ID))

	return s.users.GetByID(ctx, patient.ID)
}

// History returns the latest audit events recorded against the patient's
// NSS, newest first.
func (s *service) History(ctx context.Context, caller access.Identity, nss string) ([]audit.AuditEvent, error) {
	if err := access.Authorize(caller, access.OpReadAudit, 0); err != nil {
		return nil, err
	}
	if _, err := s.users.GetPatientByNSS(ctx, nss); err != nil {
		return nil, err
	}
	return s.audit.QueryEvents(ctx, map[string]interface{}{"resource_id": nss}, 0, historySize)
}
