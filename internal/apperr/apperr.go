// Package apperr defines the error taxonomy shared by the session core.
//
// Store and state-machine errors are returned to callers unchanged;
// enrichment failures wrap ErrEnrichmentUnavailable and are converted to
// fallback values by the adapters' callers.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching.
var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrAlreadyResolved       = errors.New("already resolved")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")
)

// ValidationError reports malformed or non-finite input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for &ValidationError{Field: field, Reason: reason}.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError reports a state transition attempted from the wrong
// source state. Resolved is set for alerts that already left PENDING.
type TransitionError struct {
	Entity   string
	ID       string
	From     string
	To       string
	Resolved bool
}

func (e *TransitionError) Error() string {
	if e.Resolved {
		return fmt.Sprintf("%s %s already resolved: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
	}
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	if target == ErrInvalidTransition {
		return true
	}
	return e.Resolved && target == ErrAlreadyResolved
}

// NotFoundError reports a lookup against an unknown entity id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound is shorthand for &NotFoundError{Kind: kind, ID: id}.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Forbidden wraps ErrForbidden with the offending role and action.
func Forbidden(role, action string) error {
	return fmt.Errorf("%w: role %s may not %s", ErrForbidden, role, action)
}

// Unavailable wraps ErrEnrichmentUnavailable for a named service.
func Unavailable(service string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", service, ErrEnrichmentUnavailable)
	}
	return fmt.Errorf("%s: %w: %v", service, ErrEnrichmentUnavailable, cause)
}

// Code returns a stable machine-readable code for err, used in error
// events and REST responses.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrEnrichmentUnavailable):
		return "enrichment_unavailable"
	default:
		return "internal"
	}
}
