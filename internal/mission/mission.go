// Package mission implements the mission lifecycle:
//
//	BRIEFING -> IN_PROGRESS -> COMPLETED
//	BRIEFING | IN_PROGRESS -> ABORTED
//
// COMPLETED and ABORTED are terminal. Transition is total over
// status x event and never changes state on rejection.
package mission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/enrich"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/store"
)

// Event is a mission lifecycle trigger.
type Event string

const (
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventAbort    Event = "abort"
)

// Events lists every lifecycle event.
var Events = []Event{EventStart, EventComplete, EventAbort}

// Statuses lists every mission status.
var Statuses = []models.MissionStatus{
	models.MissionBriefing, models.MissionInProgress, models.MissionCompleted, models.MissionAborted,
}

// ValidTransitions maps each status to the events it accepts and the
// resulting status. Terminal statuses accept nothing.
var ValidTransitions = map[models.MissionStatus]map[Event]models.MissionStatus{
	models.MissionBriefing: {
		EventStart: models.MissionInProgress,
		EventAbort: models.MissionAborted,
	},
	models.MissionInProgress: {
		EventComplete: models.MissionCompleted,
		EventAbort:    models.MissionAborted,
	},
}

var eventTargets = map[Event]models.MissionStatus{
	EventStart:    models.MissionInProgress,
	EventComplete: models.MissionCompleted,
	EventAbort:    models.MissionAborted,
}

// Transition returns the status reached by applying ev in from, or a
// *apperr.TransitionError naming both states.
func Transition(from models.MissionStatus, ev Event) (models.MissionStatus, error) {
	target, known := eventTargets[ev]
	if !known {
		return from, apperr.Invalid("event", fmt.Sprintf("unknown mission event %q", ev))
	}
	if next, ok := ValidTransitions[from][ev]; ok {
		return next, nil
	}
	return from, &apperr.TransitionError{Entity: "mission", From: string(from), To: string(target)}
}

// Terminal reports whether s accepts no further events.
func Terminal(s models.MissionStatus) bool {
	return len(ValidTransitions[s]) == 0
}

// Manager applies lifecycle events to the store's current mission.
type Manager struct {
	store *store.Store
	log   *slog.Logger
}

// NewManager creates a Manager over st.
func NewManager(st *store.Store, log *slog.Logger) *Manager {
	return &Manager{store: st, log: logging.OrDefault(log)}
}

// DebriefRequest is the narrative work left after Complete. The caller
// runs it outside any lock and hands the text to ApplyDebrief.
type DebriefRequest struct {
	MissionID uint
	Request   enrich.NarrativeRequest
}

// Start moves the mission from BRIEFING to IN_PROGRESS.
func (m *Manager) Start(actor models.Role) (models.Mission, error) {
	return m.apply(actor, EventStart, func(ms *models.Mission, now time.Time) {
		ms.StartedAt = &now
	})
}

// Complete moves the mission from IN_PROGRESS to COMPLETED, stores a
// pending debrief and returns the narrative request that fills it in.
func (m *Manager) Complete(actor models.Role) (models.Mission, *DebriefRequest, error) {
	ms, err := m.apply(actor, EventComplete, func(ms *models.Mission, now time.Time) {
		ms.CompletedAt = &now
		ms.Debrief = enrich.PendingDebrief
	})
	if err != nil {
		return models.Mission{}, nil, err
	}
	return ms, &DebriefRequest{
		MissionID: ms.ID,
		Request:   enrich.NarrativeRequest{Kind: enrich.KindDebrief, Stats: m.Stats()},
	}, nil
}

// Abort ends the mission from BRIEFING or IN_PROGRESS.
func (m *Manager) Abort(actor models.Role) (models.Mission, error) {
	return m.apply(actor, EventAbort, func(ms *models.Mission, now time.Time) {
		ms.AbortedAt = &now
	})
}

func (m *Manager) apply(actor models.Role, ev Event, stamp func(*models.Mission, time.Time)) (models.Mission, error) {
	if !actor.IsCommand() {
		return models.Mission{}, apperr.Forbidden(string(actor), string(ev)+" the mission")
	}
	ms, err := m.store.MutateMission(func(ms *models.Mission) error {
		next, err := Transition(ms.Status, ev)
		if err != nil {
			if te, ok := err.(*apperr.TransitionError); ok {
				te.ID = strconv.FormatUint(uint64(ms.ID), 10)
			}
			return err
		}
		ms.Status = next
		stamp(ms, m.store.Now())
		return nil
	})
	if err != nil {
		return models.Mission{}, fmt.Errorf("mission: %s: %w", ev, err)
	}
	m.log.Info("mission transition", "mission_id", ms.ID, "event", ev, "status", ms.Status, "actor", actor)
	return ms, nil
}

// ApplyDebrief stores narrative debrief text on the given mission. A
// request for a mission that is no longer current is dropped.
func (m *Manager) ApplyDebrief(missionID uint, text string) (models.Mission, error) {
	ms, err := m.store.MutateMission(func(ms *models.Mission) error {
		if ms.ID != missionID {
			return apperr.NotFound("mission", strconv.FormatUint(uint64(missionID), 10))
		}
		ms.Debrief = text
		return nil
	})
	if err != nil {
		return models.Mission{}, fmt.Errorf("mission: apply debrief: %w", err)
	}
	return ms, nil
}

// SetRoute replaces the mission route and returns the previous one.
func (m *Manager) SetRoute(route []models.LatLng) (prev []models.LatLng, ms models.Mission, err error) {
	ms, err = m.store.MutateMission(func(ms *models.Mission) error {
		prev = ms.Route
		ms.Route = route
		return nil
	})
	if err != nil {
		return nil, models.Mission{}, fmt.Errorf("mission: set route: %w", err)
	}
	return prev, ms, nil
}

// Stats summarizes the session for narrative generation.
func (m *Manager) Stats() enrich.MissionStats {
	var s enrich.MissionStats
	if ms, err := m.store.Mission(); err == nil {
		s.Name = ms.Name
		s.Status = string(ms.Status)
		s.Start = ms.Start()
		s.Extraction = ms.Extraction()
		s.StartedAt = ms.StartedAt
		switch {
		case ms.CompletedAt != nil:
			s.EndedAt = ms.CompletedAt
		case ms.AbortedAt != nil:
			s.EndedAt = ms.AbortedAt
		}
		if s.StartedAt != nil && s.EndedAt != nil {
			s.DurationSeconds = int64(s.EndedAt.Sub(*s.StartedAt) / time.Second)
		}
	}
	s.AlertsByCategory = map[string]int{}
	for _, a := range m.store.Alerts() {
		s.AlertsTotal++
		s.AlertsByCategory[string(a.Category)]++
		switch a.Status {
		case models.AlertValidated:
			s.AlertsValidated++
		case models.AlertDismissed:
			s.AlertsDismissed++
		default:
			s.AlertsPending++
		}
	}
	s.RouteChanges = len(m.store.RouteChanges())
	s.Waypoints = len(m.store.Waypoints())
	for _, v := range m.store.Vehicles() {
		if v.Role.HasMapPresence() {
			s.Units = append(s.Units, string(v.Role))
		}
	}
	return s
}

// BootstrapOpts describes the mission created when the store holds none.
type BootstrapOpts struct {
	Name       string
	Start      models.LatLng
	Extraction models.LatLng
	Briefing   string // used verbatim when set
	Narrator   enrich.Narrator
}

// Bootstrap creates the initial BRIEFING mission if the store has none.
// created is false when a mission already existed. Briefing prose comes
// from opts.Briefing, then the narrator, then a canned placeholder.
func (m *Manager) Bootstrap(ctx context.Context, opts BootstrapOpts) (ms models.Mission, created bool, err error) {
	if existing, err := m.store.Mission(); err == nil {
		return existing, false, nil
	}
	ms = models.Mission{
		ID:            1,
		Name:          opts.Name,
		Status:        models.MissionBriefing,
		StartLat:      opts.Start.Lat(),
		StartLng:      opts.Start.Lng(),
		ExtractionLat: opts.Extraction.Lat(),
		ExtractionLng: opts.Extraction.Lng(),
		Route:         enrich.DirectRoute(opts.Start, opts.Extraction),
	}
	ms.Briefing = opts.Briefing
	if ms.Briefing == "" {
		ms.Briefing, _ = enrich.NarrateOrPlaceholder(ctx, opts.Narrator, enrich.NarrativeRequest{
			Kind: enrich.KindBriefing,
			Stats: enrich.MissionStats{
				Name: ms.Name, Status: string(ms.Status), Start: opts.Start, Extraction: opts.Extraction,
			},
		}, m.log)
	}
	ms, err = m.store.SetMission(ms)
	if err != nil {
		return models.Mission{}, false, fmt.Errorf("mission: bootstrap: %w", err)
	}
	m.log.Info("mission bootstrapped", "mission_id", ms.ID, "name", ms.Name)
	return ms, true, nil
}
