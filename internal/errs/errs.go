// Package errs defines the error taxonomy shared by the authorization and
// session-security packages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrConcurrency = errors.New("concurrent modification")
	ErrSecurity    = errors.New("security evaluation failed")
)

// Error carries the kind of failure together with the entity it concerns.
// errors.Is matches both the kind sentinel and the wrapped cause.
type Error struct {
	Kind   error
	Entity string
	ID     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Entity != "" {
		b.WriteString(e.Entity)
		if e.ID != "" {
			fmt.Fprintf(&b, " %q", e.ID)
		}
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Validation reports malformed input, duplicate names or invalid ranges.
func Validation(entity, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// Duplicate is a Validation error for a name that is already taken.
func Duplicate(entity, name string) error {
	return &Error{Kind: ErrValidation, Entity: entity, ID: name, Reason: "name already exists"}
}

// NotFound reports an absent entity.
func NotFound(entity, id string) error {
	return &Error{Kind: ErrNotFound, Entity: entity, ID: id}
}

// Conflict reports an attempt to mutate a system entity or delete one still in use.
func Conflict(entity, id, reason string) error {
	return &Error{Kind: ErrConflict, Entity: entity, ID: id, Reason: reason}
}

// InUse is a Conflict raised when an entity is still referenced.
func InUse(entity, id, by string) error {
	return Conflict(entity, id, "still referenced by active "+by)
}

// Immutable is a Conflict raised when a system-defined entity would change.
func Immutable(entity, id string) error {
	return Conflict(entity, id, "system-defined entries are immutable")
}

// Concurrency reports a lost update: the stored version moved underneath the caller.
func Concurrency(entity, id string) error {
	return &Error{Kind: ErrConcurrency, Entity: entity, ID: id, Reason: "version mismatch"}
}

// Security wraps a lower-layer failure raised on a trust or risk path.
func Security(op string, err error) error {
	return &Error{Kind: ErrSecurity, Reason: op, Err: err}
}

func IsValidation(err error) bool  { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool    { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool    { return errors.Is(err, ErrConflict) }
func IsConcurrency(err error) bool { return errors.Is(err, ErrConcurrency) }
func IsSecurity(err error) bool    { return errors.Is(err, ErrSecurity) }
