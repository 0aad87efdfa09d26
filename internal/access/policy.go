package access

import "fmt"

type Role string

const (
	RolePhysician      Role = "physician"
	RoleNurse          Role = "nurse"
	RoleRadiologist    Role = "radiologist"
	RoleLabTechnician  Role = "lab_technician"
	RoleAdministrative Role = "administrative"
	RolePatient        Role = "patient"
)

var roles = []Role{RolePhysician, RoleNurse, RoleRadiologist, RoleLabTechnician, RoleAdministrative, RolePatient}

// ParseRole accepts the wire name of a role.
func ParseRole(s string) (Role, error) {
	for _, r := range roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// IsStaff reports whether the role belongs to clinical or administrative staff.
func (r Role) IsStaff() bool {
	switch r {
	case RolePhysician, RoleNurse, RoleRadiologist, RoleLabTechnician, RoleAdministrative:
		return true
	}
	return false
}

type Operation string

const (
	OpCreateRecord       Operation = "record.create"
	OpReadRecord         Operation = "record.read"
	OpListRecords        Operation = "record.list"
	OpDeleteRecord       Operation = "record.delete"
	OpReadEntries        Operation = "entries.read"
	OpLookupIdentifier   Operation = "patient.identifier"
	OpReassignPhysician  Operation = "patient.reassign"
	OpAddCareNote        Operation = "carenote.add"
	OpAddImagingReport   Operation = "imaging.add"
	OpOrderLabPanel      Operation = "labpanel.order"
	OpFillLabPanel       Operation = "labpanel.fill"
	OpCreatePrescription Operation = "prescription.create"
	OpUpdatePrescription Operation = "prescription.status"
	OpCreateSummary      Operation = "summary.create"
	OpRegisterStaff      Operation = "staff.register"
	OpDeleteStaff        Operation = "staff.delete"
	OpListStaff          Operation = "staff.list"
	OpReadAudit          Operation = "audit.read"
)

type rule struct {
	roles []Role
	// a patient identity passes only when it owns the target record
	owner bool
}

var clinicalReaders = []Role{RolePhysician, RoleNurse, RoleRadiologist, RoleLabTechnician, RolePatient}

var policy = map[Operation]rule{
	OpCreateRecord:       {roles: []Role{RolePhysician}},
	OpReadRecord:         {roles: []Role{RolePhysician, RolePatient}, owner: true},
	OpListRecords:        {roles: []Role{RolePhysician}},
	OpDeleteRecord:       {roles: []Role{RoleAdministrative}},
	OpReadEntries:        {roles: clinicalReaders, owner: true},
	OpLookupIdentifier:   {roles: roles, owner: true},
	OpReassignPhysician:  {roles: []Role{RolePhysician, RoleAdministrative}},
	OpAddCareNote:        {roles: []Role{RoleNurse}},
	OpAddImagingReport:   {roles: []Role{RoleRadiologist}},
	OpOrderLabPanel:      {roles: []Role{RolePhysician}},
	OpFillLabPanel:       {roles: []Role{RoleLabTechnician}},
	OpCreatePrescription: {roles: []Role{RolePhysician}},
	OpUpdatePrescription: {roles: []Role{RolePhysician}},
	OpCreateSummary:      {roles: []Role{RolePhysician}},
	OpRegisterStaff:      {roles: []Role{RoleAdministrative}},
	OpDeleteStaff:        {roles: []Role{RoleAdministrative}},
	OpListStaff:          {roles: []Role{RoleAdministrative}},
	OpReadAudit:          {roles: []Role{RoleAdministrative}},
}

// Identity is the authenticated caller of a request.
type Identity struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// Authorize evaluates op for id. owner is the user id of the patient owning
// the target record, or zero when op has no target record.
func Authorize(id Identity, op Operation, owner int64) error {
	r, ok := policy[op]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	for _, role := range r.roles {
		if role != id.Role {
			continue
		}
		if role == RolePatient && (!r.owner || owner == 0 || owner != id.ID) {
			break
		}
		return nil
	}
	return fmt.Errorf("%s: %w", op, ErrForbidden)
}

// Allowed lists the roles that may attempt op.
func Allowed(op Operation) []Role {
	r := policy[op]
	out := make([]Role, len(r.roles))
	copy(out, r.roles)
	return out
}
