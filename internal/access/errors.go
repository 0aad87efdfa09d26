package access

import (
	"errors"
	"sort"
	"strings"

	"github.com/hengadev/errsx"
)

// Error kinds shared by every domain package. Concrete errors wrap one of
// these so the HTTP boundary can map them with errors.Is.
var (
	ErrForbidden = errors.New("not authorized")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
)

// ValidationError names every missing or malformed field of a request.
type ValidationError struct {
	fields errsx.Map
}

// Validator collects field errors before a write.
type Validator struct {
	errs errsx.Map
}

func (v *Validator) Required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.errs.Set(field, "is required")
	}
}

func (v *Validator) Check(ok bool, field, msg string) {
	if !ok {
		v.errs.Set(field, msg)
	}
}

func (v *Validator) Add(field string, err error) {
	v.errs.Set(field, err)
}

// Err returns nil when no field failed.
func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{fields: v.errs}
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, msg string) error {
	var v Validator
	v.Check(false, field, msg)
	return v.Err()
}

func (e *ValidationError) Error() string {
	names := e.Names()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.fields[name].Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Names returns the failing field names in sorted order.
func (e *ValidationError) Names() []string {
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fields returns field -> message.
func (e *ValidationError) Fields() map[string]string {
	out := make(map[string]string, len(e.fields))
	for name, err := range e.fields {
		out[name] = err.Error()
	}
	return out
}

func (e *ValidationError) Has(field string) bool {
	_, ok := e.fields[field]
	return ok
}
