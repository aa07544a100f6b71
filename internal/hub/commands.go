package hub

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/enrich"
	"github.com/zulandar/convoyops/internal/media"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/protocol"
	"github.com/zulandar/convoyops/internal/store"
)

func newID() string { return uuid.NewString() }

func trimContent(s string) string { return strings.TrimSpace(s) }

// --- Mission ---

// StartMission moves the mission to IN_PROGRESS.
func (h *Hub) StartMission(actor models.Role) (models.Mission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms, err := h.missions.Start(actor)
	if err != nil {
		return models.Mission{}, err
	}
	h.emitMission(ms, actor, NoticeMissionChanged)
	return ms, nil
}

// CompleteMission moves the mission to COMPLETED and generates the
// debrief in the background. The placeholder debrief is visible at once.
func (h *Hub) CompleteMission(actor models.Role) (models.Mission, error) {
	h.mu.Lock()
	ms, req, err := h.missions.Complete(actor)
	if err != nil {
		h.mu.Unlock()
		return models.Mission{}, err
	}
	h.emitMission(ms, actor, NoticeMissionChanged)
	h.mu.Unlock()

	if !h.track() {
		h.log.Debug("hub closing, debrief left as placeholder", "mission_id", req.MissionID)
		return ms, nil
	}
	go func() {
		defer h.inflight.Done()
		text, _ := enrich.NarrateOrPlaceholder(h.ctx, h.enrich.Narrator, req.Request, h.log)
		h.mu.Lock()
		defer h.mu.Unlock()
		updated, err := h.missions.ApplyDebrief(req.MissionID, text)
		if err != nil {
			h.log.Warn("apply debrief failed", "mission_id", req.MissionID, "err", err)
			return
		}
		h.emitMission(updated, actor, NoticeDebriefReady)
	}()
	return ms, nil
}

// AbortMission moves the mission to ABORTED.
func (h *Hub) AbortMission(actor models.Role) (models.Mission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms, err := h.missions.Abort(actor)
	if err != nil {
		return models.Mission{}, err
	}
	h.emitMission(ms, actor, NoticeMissionChanged)
	return ms, nil
}

func (h *Hub) emitMission(ms models.Mission, actor models.Role, kind NoticeKind) {
	h.broadcast(protocol.Event{Type: protocol.EventMissionUpdated, Payload: ms})
	h.notify(Notice{Kind: kind, Actor: actor, Mission: &ms, At: h.store.Now()})
}

// --- Route ---

// RouteRequest asks for a new route to the extraction point.
type RouteRequest struct {
	Reason        string
	Justification string
	Role          *models.Role // start from this role's vehicle
	Lat, Lng      *float64     // start from this point
}

// DefaultRouteReason is recorded when a recalculation gives no reason.
const DefaultRouteReason = "manual recalculation"

// RecalculateRoute fetches a route from the requested origin to the
// mission extraction point, records the change and broadcasts it. The
// geometry call runs outside the hub lock; on failure the route is the
// direct line.
func (h *Hub) RecalculateRoute(ctx context.Context, actor models.Role, req RouteRequest) (models.RouteChange, error) {
	h.mu.Lock()
	ms, err := h.store.Mission()
	if err != nil {
		h.mu.Unlock()
		return models.RouteChange{}, err
	}
	from, err := h.routeOrigin(ms, req)
	h.mu.Unlock()
	if err != nil {
		return models.RouteChange{}, err
	}

	route, direct := enrich.RouteOrDirect(ctx, h.enrich.Router, from, ms.Extraction(), h.log)

	h.mu.Lock()
	defer h.mu.Unlock()
	prev, updated, err := h.missions.SetRoute(route)
	if err != nil {
		return models.RouteChange{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultRouteReason
	}
	justification := strings.TrimSpace(req.Justification)
	if direct {
		justification = strings.TrimSpace(justification + " Route service unavailable; using direct line.")
	}
	rc := h.store.AppendRouteChange(models.RouteChange{
		MissionID:     updated.ID,
		Reason:        reason,
		Justification: justification,
		PreviousRoute: prev,
		NewRoute:      route,
		TriggeredBy:   models.RolePtr(actor),
	})
	h.broadcast(protocol.Event{Type: protocol.EventRouteUpdated, Payload: nonNilRoute(route)})
	h.broadcast(protocol.Event{Type: protocol.EventRouteChanged, Payload: protocol.RouteChanged{Change: rc, Direct: direct}})
	h.notify(Notice{Kind: NoticeRouteChanged, Actor: actor, RouteChange: &rc, Mission: &updated, At: rc.CreatedAt})
	return rc, nil
}

func (h *Hub) routeOrigin(ms models.Mission, req RouteRequest) (models.LatLng, error) {
	switch {
	case req.Lat != nil && req.Lng != nil:
		if err := store.CheckCoordinate(*req.Lat, *req.Lng); err != nil {
			return models.LatLng{}, err
		}
		return models.LatLng{*req.Lat, *req.Lng}, nil
	case req.Role != nil:
		v, err := h.store.Vehicle(*req.Role)
		if err != nil {
			return models.LatLng{}, err
		}
		return models.LatLng{v.Lat, v.Lng}, nil
	default:
		return ms.Start(), nil
	}
}

// RouteBetween returns route geometry between two arbitrary points
// without touching session state. direct is true when the fallback line
// was used.
func (h *Hub) RouteBetween(ctx context.Context, from, to models.LatLng) (route []models.LatLng, direct bool, err error) {
	if err := store.CheckCoordinate(from.Lat(), from.Lng()); err != nil {
		return nil, false, fmt.Errorf("from: %w", err)
	}
	if err := store.CheckCoordinate(to.Lat(), to.Lng()); err != nil {
		return nil, false, fmt.Errorf("to: %w", err)
	}
	route, direct = enrich.RouteOrDirect(ctx, h.enrich.Router, from, to, h.log)
	return route, direct, nil
}

// Classify runs one image through the classifier. A nil result with a
// nil error means the classifier was unavailable.
func (h *Hub) Classify(ctx context.Context, dataURL string) (*models.Enrichment, error) {
	data, mimeType, err := media.Decode(dataURL)
	if err != nil {
		return nil, err
	}
	return enrich.ClassifyOrNil(ctx, h.enrich.Classifier, enrich.ClassifyRequest{Image: data, MIMEType: mimeType}, h.log), nil
}

// --- Waypoints ---

// CreateWaypoint adds a waypoint to the current mission.
func (h *Hub) CreateWaypoint(actor models.Role, w models.Waypoint) (models.Waypoint, error) {
	if !actor.IsCommand() {
		return models.Waypoint{}, apperr.Forbidden(string(actor), "edit waypoints")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ms, err := h.store.Mission()
	if err != nil {
		return models.Waypoint{}, err
	}
	w.ID = newID()
	w.MissionID = ms.ID
	if w.OrderIndex == 0 {
		w.OrderIndex = len(h.store.Waypoints()) + 1
	}
	w, err = h.store.UpsertWaypoint(w)
	if err != nil {
		return models.Waypoint{}, err
	}
	h.emitWaypoints(actor)
	return w, nil
}

// UpdateWaypoint applies patch to an existing waypoint.
func (h *Hub) UpdateWaypoint(actor models.Role, id string, patch func(*models.Waypoint) error) (models.Waypoint, error) {
	if !actor.IsCommand() {
		return models.Waypoint{}, apperr.Forbidden(string(actor), "edit waypoints")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	w, err := h.store.MutateWaypoint(id, func(w *models.Waypoint) error {
		mission := w.MissionID
		if err := patch(w); err != nil {
			return err
		}
		w.MissionID = mission
		return nil
	})
	if err != nil {
		return models.Waypoint{}, err
	}
	h.emitWaypoints(actor)
	return w, nil
}

// DeleteWaypoint removes a waypoint.
func (h *Hub) DeleteWaypoint(actor models.Role, id string) error {
	if !actor.IsCommand() {
		return apperr.Forbidden(string(actor), "edit waypoints")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.DeleteWaypoint(id); err != nil {
		return err
	}
	h.emitWaypoints(actor)
	return nil
}

func (h *Hub) emitWaypoints(actor models.Role) {
	h.broadcast(protocol.Event{Type: protocol.EventWaypointsSync, Payload: h.store.Waypoints()})
	h.notify(Notice{Kind: NoticeWaypointsChange, Actor: actor, At: h.store.Now()})
}
