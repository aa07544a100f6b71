package alert

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st := store.New(store.Opts{Logger: logging.Discard()})
	m := NewManager(st, logging.Discard())
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("alert-%d", n)
	}
	return m, st
}

func validOpts() CreateOpts {
	return CreateOpts{
		Category:    models.CategoryIEDSuspect,
		Lat:         17.43,
		Lng:         -4.17,
		Description: "  disturbed earth on the shoulder ",
		Origin:      models.RolePtr(models.RoleReco),
	}
}

func TestCreate(t *testing.T) {
	m, st := newTestManager(t)
	a, err := m.Create(validOpts())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID != "alert-1" {
		t.Errorf("ID = %q", a.ID)
	}
	if a.Status != models.AlertPending {
		t.Errorf("Status = %s, want PENDING", a.Status)
	}
	if a.Enrichment != nil {
		t.Error("new alert must not carry enrichment")
	}
	if a.Description != "disturbed earth on the shoulder" {
		t.Errorf("Description = %q", a.Description)
	}
	if got, _ := st.Alert(a.ID); got.Origin == nil || *got.Origin != models.RoleReco {
		t.Errorf("stored origin = %v", got.Origin)
	}
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateOpts)
	}{
		{"unknown category", func(o *CreateOpts) { o.Category = "landmine" }},
		{"nan lat", func(o *CreateOpts) { o.Lat = math.NaN() }},
		{"inf lng", func(o *CreateOpts) { o.Lng = math.Inf(1) }},
		{"lat out of range", func(o *CreateOpts) { o.Lat = 120 }},
		{"unknown origin", func(o *CreateOpts) { o.Origin = models.RolePtr("TANK") }},
		{"description too long", func(o *CreateOpts) { o.Description = strings.Repeat("x", MaxDescriptionLen+1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, st := newTestManager(t)
			opts := validOpts()
			tt.mutate(&opts)
			if _, err := m.Create(opts); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
			if n := len(st.Alerts()); n != 0 {
				t.Errorf("alerts stored = %d, want 0", n)
			}
		})
	}
}

func TestResolve_OnlyOnce(t *testing.T) {
	first := []struct {
		name string
		op   func(*Manager, string) (models.Alert, error)
		want models.AlertStatus
	}{
		{"validate", func(m *Manager, id string) (models.Alert, error) { return m.Validate(id, models.RoleCommand) }, models.AlertValidated},
		{"dismiss", func(m *Manager, id string) (models.Alert, error) { return m.Dismiss(id, models.RoleCommand) }, models.AlertDismissed},
	}
	for _, f := range first {
		for _, s := range first {
			t.Run(f.name+" then "+s.name, func(t *testing.T) {
				m, st := newTestManager(t)
				a, _ := m.Create(validOpts())

				got, err := f.op(m, a.ID)
				if err != nil {
					t.Fatalf("%s: %v", f.name, err)
				}
				if got.Status != f.want || got.ValidatedAt == nil || got.ValidatedBy == nil || *got.ValidatedBy != models.RoleCommand {
					t.Errorf("after %s: %+v", f.name, got)
				}

				_, err = s.op(m, a.ID)
				if !errors.Is(err, apperr.ErrInvalidTransition) || !errors.Is(err, apperr.ErrAlreadyResolved) {
					t.Errorf("second %s err = %v, want AlreadyResolved", s.name, err)
				}
				stored, _ := st.Alert(a.ID)
				if stored.Status != f.want {
					t.Errorf("status = %s, want %s unchanged", stored.Status, f.want)
				}
			})
		}
	}
}

func TestResolve_RequiresCommand(t *testing.T) {
	m, st := newTestManager(t)
	a, _ := m.Create(validOpts())
	if _, err := m.Validate(a.ID, models.RoleConvoy1); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if stored, _ := st.Alert(a.ID); stored.Status != models.AlertPending {
		t.Errorf("status = %s, want PENDING", stored.Status)
	}
}

func TestResolve_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Dismiss("nope", models.RoleCommand); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAttachEnrichment_AfterDismissal(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.Create(validOpts())
	if _, err := m.Dismiss(a.ID, models.RoleCommand); err != nil {
		t.Fatal(err)
	}
	got, err := m.AttachEnrichment(a.ID, &models.Enrichment{Category: "debris", ThreatLevel: "low", Confidence: 0.6})
	if err != nil {
		t.Fatalf("AttachEnrichment: %v", err)
	}
	if got.Enrichment == nil || got.Enrichment.Category != "debris" {
		t.Errorf("enrichment = %+v", got.Enrichment)
	}
	if got.Status != models.AlertDismissed {
		t.Errorf("status = %s, want DISMISSED", got.Status)
	}
	if _, err := m.AttachEnrichment(a.ID, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("nil enrichment err = %v", err)
	}
}
