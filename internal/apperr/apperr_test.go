package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError_Is(t *testing.T) {
	err := fmt.Errorf("store: %w", Invalid("lat", "must be finite"))
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is(err, ErrValidation)")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("expected errors.As to find *ValidationError")
	}
	if ve.Field != "lat" {
		t.Errorf("Field = %q, want %q", ve.Field, "lat")
	}
	if got := ve.Error(); got != "invalid lat: must be finite" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTransitionError_Is(t *testing.T) {
	tests := []struct {
		name         string
		err          *TransitionError
		wantResolved bool
	}{
		{"mission", &TransitionError{Entity: "mission", ID: "1", From: "BRIEFING", To: "COMPLETED"}, false},
		{"alert", &TransitionError{Entity: "alert", ID: "a", From: "VALIDATED", To: "DISMISSED", Resolved: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, ErrInvalidTransition) {
				t.Error("expected ErrInvalidTransition")
			}
			if got := errors.Is(tt.err, ErrAlreadyResolved); got != tt.wantResolved {
				t.Errorf("errors.Is(ErrAlreadyResolved) = %v, want %v", got, tt.wantResolved)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("alert", "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound")
	}
	if got := err.Error(); got != "alert not found: abc" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUnavailable(t *testing.T) {
	err := Unavailable("classifier", errors.New("dial tcp: refused"))
	if !errors.Is(err, ErrEnrichmentUnavailable) {
		t.Fatal("expected ErrEnrichmentUnavailable")
	}
	if errors.Is(Unavailable("route", nil), ErrValidation) {
		t.Error("unavailable must not match ErrValidation")
	}
}

func TestForbidden(t *testing.T) {
	err := Forbidden("CONVOY_1", "validate alerts")
	if !errors.Is(err, ErrForbidden) {
		t.Fatal("expected ErrForbidden")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Invalid("lat", "bad"), "validation"},
		{&TransitionError{Entity: "mission"}, "invalid_transition"},
		{&TransitionError{Entity: "alert", Resolved: true}, "already_resolved"},
		{fmt.Errorf("alert: %w", NotFound("alert", "x")), "not_found"},
		{Forbidden("RECO", "validate alerts"), "forbidden"},
		{Unavailable("route", nil), "enrichment_unavailable"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
