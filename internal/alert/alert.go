// Package alert provides the alert lifecycle: PENDING on creation, then
// VALIDATED or DISMISSED by the command post. Both outcomes are terminal.
package alert

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/store"
)

// MaxDescriptionLen bounds the free-text description of an alert.
const MaxDescriptionLen = 2000

// ValidTransitions maps each status to its valid next statuses.
var ValidTransitions = map[models.AlertStatus][]models.AlertStatus{
	models.AlertPending: {models.AlertValidated, models.AlertDismissed},
}

// CreateOpts holds parameters for creating a new alert.
type CreateOpts struct {
	Category    models.AlertCategory
	Lat         float64
	Lng         float64
	Description string
	ImageRef    string       // stored image reference, if any
	Origin      *models.Role // reporting unit, nil when unknown
}

// Manager applies alert lifecycle operations to the store.
type Manager struct {
	store *store.Store
	log   *slog.Logger
	newID func() string
}

// NewManager creates a Manager over st.
func NewManager(st *store.Store, log *slog.Logger) *Manager {
	return &Manager{store: st, log: logging.OrDefault(log), newID: uuid.NewString}
}

// Create stores a new PENDING alert. Enrichment is attached later with
// AttachEnrichment and never blocks creation.
func (m *Manager) Create(opts CreateOpts) (models.Alert, error) {
	if !opts.Category.Valid() {
		return models.Alert{}, apperr.Invalid("category", fmt.Sprintf("unknown alert category %q", opts.Category))
	}
	if err := store.CheckCoordinate(opts.Lat, opts.Lng); err != nil {
		return models.Alert{}, err
	}
	if opts.Origin != nil && !opts.Origin.Valid() {
		return models.Alert{}, apperr.Invalid("origin", fmt.Sprintf("unknown role %q", *opts.Origin))
	}
	desc := strings.TrimSpace(opts.Description)
	if len(desc) > MaxDescriptionLen {
		return models.Alert{}, apperr.Invalid("description", fmt.Sprintf("longer than %d bytes", MaxDescriptionLen))
	}

	a, err := m.store.UpsertAlert(models.Alert{
		ID:          m.newID(),
		Category:    opts.Category,
		Status:      models.AlertPending,
		Lat:         opts.Lat,
		Lng:         opts.Lng,
		Description: desc,
		ImageRef:    opts.ImageRef,
		Origin:      opts.Origin,
	})
	if err != nil {
		return models.Alert{}, fmt.Errorf("alert: create: %w", err)
	}
	m.log.Info("alert created", "alert_id", a.ID, "category", a.Category, "origin", roleOrNone(a.Origin))
	return a, nil
}

// Validate confirms a PENDING alert.
func (m *Manager) Validate(id string, validator models.Role) (models.Alert, error) {
	return m.resolve(id, validator, models.AlertValidated)
}

// Dismiss rejects a PENDING alert.
func (m *Manager) Dismiss(id string, validator models.Role) (models.Alert, error) {
	return m.resolve(id, validator, models.AlertDismissed)
}

func (m *Manager) resolve(id string, validator models.Role, to models.AlertStatus) (models.Alert, error) {
	if !validator.IsCommand() {
		return models.Alert{}, apperr.Forbidden(string(validator), "resolve alerts")
	}
	a, err := m.store.MutateAlert(id, func(a *models.Alert) error {
		if !isValidTransition(a.Status, to) {
			return &apperr.TransitionError{
				Entity: "alert", ID: id, From: string(a.Status), To: string(to), Resolved: true,
			}
		}
		now := m.store.Now()
		a.Status = to
		a.ValidatedAt = &now
		a.ValidatedBy = models.RolePtr(validator)
		return nil
	})
	if err != nil {
		return models.Alert{}, fmt.Errorf("alert: %s: %w", strings.ToLower(string(to)), err)
	}
	m.log.Info("alert resolved", "alert_id", id, "status", to, "validator", validator)
	return a, nil
}

// AttachEnrichment stores a classification result on the alert. It is
// allowed in every status: a result that arrives after the alert was
// resolved is still recorded.
func (m *Manager) AttachEnrichment(id string, e *models.Enrichment) (models.Alert, error) {
	if e == nil {
		return models.Alert{}, apperr.Invalid("enrichment", "result is required")
	}
	a, err := m.store.MutateAlert(id, func(a *models.Alert) error {
		cp := *e
		a.Enrichment = &cp
		return nil
	})
	if err != nil {
		return models.Alert{}, fmt.Errorf("alert: attach enrichment: %w", err)
	}
	return a, nil
}

func isValidTransition(from, to models.AlertStatus) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func roleOrNone(r *models.Role) string {
	if r == nil {
		return "none"
	}
	return string(*r)
}
