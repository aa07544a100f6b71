// Package hub is the session's broadcast dispatcher. It decodes nothing
// itself: the transport hands it typed intents, the hub applies them to
// the owning component under one global mutation lock and emits the
// resulting events with the right policy:
//
//   - vehicle and alert events go to every connection, filtered by the
//     visibility of that connection's role;
//   - mission, route and waypoint events go to everyone unfiltered;
//   - command messages go to their target role, or to everyone.
//
// A rejected intent changes nothing and is reported to the acting
// connection only. Enrichment calls run outside the lock and apply their
// results with a second, short mutation.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/zulandar/convoyops/internal/alert"
	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/enrich"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/media"
	"github.com/zulandar/convoyops/internal/mission"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/protocol"
	"github.com/zulandar/convoyops/internal/registry"
	"github.com/zulandar/convoyops/internal/store"
	"github.com/zulandar/convoyops/internal/visibility"
)

// Session is the hub's view of one client connection. The transport
// owns it and must not share it between goroutines.
type Session struct {
	Conn registry.Conn
	Role models.Role // empty until the client joins
}

// Opts holds the collaborators of a Hub.
type Opts struct {
	Store     *store.Store
	Registry  *registry.Registry
	Missions  *mission.Manager
	Alerts    *alert.Manager
	Enrich    enrich.Set
	Media     *media.Store
	RadiusM   float64
	Logger    *slog.Logger
	Observers []Observer
	// Context bounds background enrichment calls. Defaults to
	// context.Background.
	Context context.Context
}

// Hub is the dispatcher.
type Hub struct {
	mu sync.Mutex

	store    *store.Store
	registry *registry.Registry
	missions *mission.Manager
	alerts   *alert.Manager
	enrich   enrich.Set
	media    *media.Store
	radius   float64
	log      *slog.Logger
	ctx      context.Context

	observers []Observer
	views     map[string]*view // by connection id

	inflight sync.WaitGroup
	closing  bool // set by Wait; guarded by mu
}

// view remembers what a connection was last shown, so that an entity
// leaving its fog-of-war radius can be retracted with a sync.
type view struct {
	vehicles map[models.Role]bool
	alerts   map[string]bool
}

// New creates a Hub.
func New(opts Opts) *Hub {
	h := &Hub{
		store:     opts.Store,
		registry:  opts.Registry,
		missions:  opts.Missions,
		alerts:    opts.Alerts,
		enrich:    opts.Enrich.WithDefaults(),
		media:     opts.Media,
		radius:    opts.RadiusM,
		log:       logging.OrDefault(opts.Logger),
		ctx:       opts.Context,
		observers: opts.Observers,
		views:     make(map[string]*view),
	}
	if h.radius <= 0 {
		h.radius = visibility.DefaultRadiusM
	}
	if h.ctx == nil {
		h.ctx = context.Background()
	}
	return h
}

// AddObserver registers o for mission-wide notices.
func (h *Hub) AddObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// Wait stops new background enrichment and blocks until every call
// already started has been applied.
func (h *Hub) Wait() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.inflight.Wait()
}

// track registers one background call, unless Wait has begun. The caller
// must call h.inflight.Done when track returns true.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.inflight.Add(1)
	return true
}

// Handle applies one intent from s. Rejections are sent to s as an error
// event and returned.
func (h *Hub) Handle(ctx context.Context, s *Session, in protocol.Intent) error {
	err := h.dispatch(ctx, s, in)
	if err != nil {
		h.reject(s, in.Type(), err)
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, s *Session, in protocol.Intent) error {
	if j, ok := in.(protocol.Join); ok {
		return h.Join(s, j.Role)
	}
	if s.Role == "" {
		return apperr.Invalid("session", "join before sending "+in.Type())
	}
	// A newer join for the same role replaces this connection. Frames
	// still queued on the old one must not act for the role.
	if c, ok := h.registry.Lookup(s.Role); !ok || c.ID() != s.Conn.ID() {
		return apperr.Forbidden(string(s.Role), "act from a replaced connection")
	}
	switch v := in.(type) {
	case protocol.PositionUpdate:
		return h.updatePosition(s, v)
	case protocol.StealthToggle:
		return h.toggleStealth(s, v)
	case protocol.AlertCreate:
		return h.createAlert(s, v)
	case protocol.AlertValidate:
		return h.resolveAlert(s, v.AlertID, v.Validator, true)
	case protocol.AlertDismiss:
		return h.resolveAlert(s, v.AlertID, v.Validator, false)
	case protocol.MessageSend:
		return h.sendMessage(s, v)
	case protocol.MessageRead:
		return h.readMessage(s, v)
	case protocol.RouteRecalculate:
		_, err := h.RecalculateRoute(ctx, s.Role, RouteRequest{
			Reason: v.Reason, Justification: v.Justification, Role: v.Role, Lat: v.Lat, Lng: v.Lng,
		})
		return err
	default:
		return apperr.Invalid("type", "unhandled intent "+in.Type())
	}
}

func (h *Hub) reject(s *Session, intent string, err error) {
	level := slog.LevelInfo
	if apperr.Code(err) == "internal" {
		level = slog.LevelError
	}
	h.log.Log(context.Background(), level, "intent rejected",
		"intent", intent, "role", s.Role, "code", apperr.Code(err), "err", err)
	h.send(s.Conn, protocol.ErrorEvent(intent, err))
}

// --- Presence ---

// Join registers s under role and sends it the snapshot, filtered for
// role. A connection the join replaced is closed.
func (h *Hub) Join(s *Session, role models.Role) error {
	if !role.Valid() {
		return apperr.Invalid("role", "unknown role "+string(role))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.Role != "" && s.Role != role {
		h.leaveLocked(s)
	}
	res, err := h.registry.Join(role, s.Conn)
	if err != nil {
		return err
	}
	s.Role = role
	if res.Stale != nil {
		delete(h.views, res.Stale.ID())
		if err := res.Stale.Close(); err != nil {
			h.log.Debug("closing stale connection", "role", role, "err", err)
		}
	}

	snap := res.Snapshot
	f := visibility.For(role, snap.Vehicles, h.radius)
	vw := &view{}
	h.views[s.Conn.ID()] = vw

	h.send(s.Conn, protocol.Event{Type: protocol.EventJoined, Payload: protocol.Joined{Role: role, Connected: snap.Connected}})
	h.syncVehicles(s.Conn, vw, f, snap.Vehicles)
	h.syncAlerts(s.Conn, vw, f, snap.Alerts)
	h.send(s.Conn, protocol.Event{Type: protocol.EventMessagesSync, Payload: messagesFor(role, snap.Messages)})
	h.send(s.Conn, protocol.Event{Type: protocol.EventWaypointsSync, Payload: snap.Waypoints})
	if snap.Mission != nil {
		h.send(s.Conn, protocol.Event{Type: protocol.EventMissionUpdated, Payload: snap.Mission})
		h.send(s.Conn, protocol.Event{Type: protocol.EventRouteUpdated, Payload: nonNilRoute(snap.Route)})
	}

	if res.Flipped {
		if role.HasMapPresence() {
			h.emitVehicle(res.Vehicle, s.Conn.ID())
		}
		h.broadcast(protocol.Event{Type: protocol.EventPresence, Payload: protocol.Presence{Connected: snap.Connected}})
		h.notify(Notice{Kind: NoticeJoined, Actor: role, At: h.store.Now()})
	}
	return nil
}

// Leave unregisters s. A session replaced by a newer join leaves
// silently.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s)
}

func (h *Hub) leaveLocked(s *Session) {
	if s.Role == "" {
		return
	}
	role := s.Role
	delete(h.views, s.Conn.ID())
	s.Role = ""
	left, v, err := h.registry.Leave(role, s.Conn.ID())
	if err != nil {
		h.log.Error("leave failed", "role", role, "err", err)
		return
	}
	if !left {
		return
	}
	if role.HasMapPresence() {
		h.emitVehicle(v, "")
	}
	h.broadcast(protocol.Event{Type: protocol.EventPresence, Payload: protocol.Presence{Connected: h.registry.Connected()}})
	h.notify(Notice{Kind: NoticeLeft, Actor: role, At: h.store.Now()})
}

// --- Vehicles ---

func (h *Hub) updatePosition(s *Session, in protocol.PositionUpdate) error {
	if in.Role != s.Role {
		return apperr.Forbidden(string(s.Role), "move vehicle "+string(in.Role))
	}
	if !s.Role.HasMapPresence() {
		return apperr.Forbidden(string(s.Role), "report a position")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := h.store.MutateVehicle(in.Role, func(v *models.Vehicle) error {
		v.Lat, v.Lng = *in.Lat, *in.Lng
		if in.Heading != nil {
			v.Heading = *in.Heading
		}
		if in.Speed != nil {
			v.Speed = *in.Speed
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := h.store.AppendPosition(models.PositionSample{
		Role: v.Role, Lat: v.Lat, Lng: v.Lng, Heading: v.Heading, Speed: v.Speed, RecordedAt: v.UpdatedAt,
	}); err != nil {
		h.log.Warn("position history append failed", "role", v.Role, "err", err)
	}
	h.emitVehicle(v, "")
	return nil
}

func (h *Hub) toggleStealth(s *Session, in protocol.StealthToggle) error {
	if in.Role != s.Role {
		return apperr.Forbidden(string(s.Role), "toggle stealth for "+string(in.Role))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	v, err := h.store.MutateVehicle(in.Role, func(v *models.Vehicle) error {
		v.Stealth = *in.Stealth
		return nil
	})
	if err != nil {
		return err
	}
	h.emitVehicle(v, "")
	return nil
}

// emitVehicle sends v to every connection that can see it, and retracts
// it from connections that saw it before but no longer can. The moving
// role's own view is fully resynced, since its radius moved with it.
// skip names a connection that already received a full sync.
func (h *Hub) emitVehicle(v models.Vehicle, skip string) {
	vehicles := h.store.Vehicles()
	var alerts []models.Alert
	h.registry.Each(func(role models.Role, c registry.Conn) {
		if c.ID() == skip {
			return
		}
		vw := h.viewFor(c)
		f := visibility.For(role, vehicles, h.radius)
		if role == v.Role {
			h.send(c, protocol.Event{Type: protocol.EventVehicleUpdated, Payload: v})
			h.syncVehicles(c, vw, f, vehicles)
			if alerts == nil {
				alerts = h.store.Alerts()
			}
			h.syncAlerts(c, vw, f, alerts)
			return
		}
		if f.Vehicle(v) {
			vw.vehicles[v.Role] = true
			h.send(c, protocol.Event{Type: protocol.EventVehicleUpdated, Payload: v})
			return
		}
		if vw.vehicles[v.Role] {
			h.syncVehicles(c, vw, f, vehicles)
		}
	})
}

// syncVehicles sends the filtered vehicle set when it differs from what
// the connection last saw.
func (h *Hub) syncVehicles(c registry.Conn, vw *view, f visibility.Filter, vehicles []models.Vehicle) {
	visible := f.Vehicles(vehicles)
	next := make(map[models.Role]bool, len(visible))
	for _, v := range visible {
		next[v.Role] = true
	}
	if vw.vehicles != nil && sameKeys(vw.vehicles, next) {
		return
	}
	vw.vehicles = next
	h.send(c, protocol.Event{Type: protocol.EventVehiclesSync, Payload: visible})
}

// syncAlerts sends the filtered alert set when it differs from what the
// connection last saw.
func (h *Hub) syncAlerts(c registry.Conn, vw *view, f visibility.Filter, alerts []models.Alert) {
	visible := f.Alerts(alerts)
	next := make(map[string]bool, len(visible))
	for _, a := range visible {
		next[a.ID] = true
	}
	if vw.alerts != nil && sameKeys(vw.alerts, next) {
		return
	}
	vw.alerts = next
	h.send(c, protocol.Event{Type: protocol.EventAlertsSync, Payload: visible})
}

func (h *Hub) viewFor(c registry.Conn) *view {
	vw, ok := h.views[c.ID()]
	if !ok {
		vw = &view{}
		h.views[c.ID()] = vw
	}
	if vw.vehicles == nil {
		vw.vehicles = map[models.Role]bool{}
	}
	if vw.alerts == nil {
		vw.alerts = map[string]bool{}
	}
	return vw
}

// --- Alerts ---

func (h *Hub) createAlert(s *Session, in protocol.AlertCreate) error {
	// Origin names a reporting unit. The command post reports for nobody
	// unless it says which unit it relays.
	var origin *models.Role
	if !s.Role.IsCommand() {
		origin = models.RolePtr(s.Role)
	}
	if in.Origin != nil {
		if *in.Origin != s.Role && !s.Role.IsCommand() {
			return apperr.Forbidden(string(s.Role), "report alerts for "+string(*in.Origin))
		}
		if !in.Origin.IsCommand() {
			origin = models.RolePtr(*in.Origin)
		}
	}
	if err := store.CheckCoordinate(*in.Lat, *in.Lng); err != nil {
		return err
	}
	if len(strings.TrimSpace(in.Description)) > alert.MaxDescriptionLen {
		return apperr.Invalid("description", fmt.Sprintf("longer than %d bytes", alert.MaxDescriptionLen))
	}

	// Image decoding and disk writes happen before taking the lock.
	var img *media.Image
	if in.Image != "" {
		if h.media == nil {
			return apperr.Invalid("image", "image uploads are not enabled")
		}
		saved, err := h.media.Save(newID(), in.Image)
		if err != nil {
			return err
		}
		img = &saved
	}

	h.mu.Lock()
	opts := alert.CreateOpts{
		Category: in.Category, Lat: *in.Lat, Lng: *in.Lng,
		Description: in.Description, Origin: origin,
	}
	if img != nil {
		opts.ImageRef = img.Ref
	}
	a, err := h.alerts.Create(opts)
	if err != nil {
		h.mu.Unlock()
		if img != nil {
			h.discardImage(*img)
		}
		return err
	}
	h.emitAlert(a, protocol.EventAlertCreated)
	h.notify(Notice{Kind: NoticeAlertCreated, Actor: s.Role, Alert: &a, At: a.CreatedAt})
	h.mu.Unlock()

	if img != nil {
		h.enrichAlert(a, *img)
	}
	return nil
}

// discardImage removes an image saved for an alert that was never
// stored.
func (h *Hub) discardImage(img media.Image) {
	if err := os.Remove(img.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.log.Warn("remove orphaned image failed", "path", img.Path, "err", err)
	}
}

// enrichAlert classifies the alert image in the background and attaches
// the result. Failures leave the alert unenriched.
func (h *Hub) enrichAlert(a models.Alert, img media.Image) {
	if !h.track() {
		h.log.Debug("hub closing, alert left unenriched", "alert_id", a.ID)
		return
	}
	go func() {
		defer h.inflight.Done()
		e := enrich.ClassifyOrNil(h.ctx, h.enrich.Classifier, enrich.ClassifyRequest{
			Image: img.Data, MIMEType: img.MIMEType, Hint: a.Category, Lat: a.Lat, Lng: a.Lng,
		}, h.log.With("alert_id", a.ID))
		if e == nil {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		updated, err := h.alerts.AttachEnrichment(a.ID, e)
		if err != nil {
			h.log.Warn("attach enrichment failed", "alert_id", a.ID, "err", err)
			return
		}
		h.emitAlert(updated, protocol.EventAlertUpdated)
		h.notify(Notice{Kind: NoticeAlertEnriched, Alert: &updated, At: h.store.Now()})
	}()
}

func (h *Hub) resolveAlert(s *Session, id string, validator models.Role, validate bool) error {
	if validator != "" && validator != s.Role {
		return apperr.Forbidden(string(s.Role), "resolve alerts as "+string(validator))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		a   models.Alert
		err error
		k   NoticeKind
	)
	if validate {
		a, err = h.alerts.Validate(id, s.Role)
		k = NoticeAlertValidated
	} else {
		a, err = h.alerts.Dismiss(id, s.Role)
		k = NoticeAlertDismissed
	}
	if err != nil {
		return err
	}
	h.emitAlert(a, protocol.EventAlertUpdated)
	h.notify(Notice{Kind: k, Actor: s.Role, Alert: &a, At: h.store.Now()})
	return nil
}

// emitAlert sends a to every connection whose view contains it.
func (h *Hub) emitAlert(a models.Alert, eventType string) {
	vehicles := h.store.Vehicles()
	h.registry.Each(func(role models.Role, c registry.Conn) {
		vw := h.viewFor(c)
		f := visibility.For(role, vehicles, h.radius)
		if !f.Alert(a) {
			return
		}
		vw.alerts[a.ID] = true
		h.send(c, protocol.Event{Type: eventType, Payload: a})
	})
}

// --- Messages ---

func (h *Hub) sendMessage(s *Session, in protocol.MessageSend) error {
	if !s.Role.IsCommand() {
		return apperr.Forbidden(string(s.Role), "send command messages")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.store.UpsertMessage(models.PcMessage{
		ID:         newID(),
		Content:    trimContent(in.Content),
		TargetRole: in.TargetRole,
	})
	if err != nil {
		return err
	}
	ev := protocol.Event{Type: protocol.EventMessageReceived, Payload: m}
	if m.TargetRole != nil {
		if c, ok := h.registry.Lookup(*m.TargetRole); ok {
			h.send(c, ev)
		}
	} else {
		h.registry.Each(func(role models.Role, c registry.Conn) {
			if !role.IsCommand() {
				h.send(c, ev)
			}
		})
	}
	h.send(s.Conn, protocol.Event{Type: protocol.EventMessageSent, Payload: m})
	h.notify(Notice{Kind: NoticeMessageSent, Actor: s.Role, Message: &m, At: m.CreatedAt})
	return nil
}

func (h *Hub) readMessage(s *Session, in protocol.MessageRead) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.store.MutateMessage(in.MessageID, func(m *models.PcMessage) error {
		if s.Role.IsCommand() || !m.DeliversTo(s.Role) {
			return apperr.Forbidden(string(s.Role), "mark message "+m.ID+" as read")
		}
		if m.ReadAt == nil {
			now := h.store.Now()
			m.ReadAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	ev := protocol.Event{Type: protocol.EventMessageUpdated, Payload: m}
	h.send(s.Conn, ev)
	if c, ok := h.registry.Lookup(models.RoleCommand); ok {
		h.send(c, ev)
	}
	return nil
}

// --- Delivery ---

func (h *Hub) send(c registry.Conn, ev protocol.Event) {
	if c == nil {
		return
	}
	if err := c.Send(ev); err != nil {
		h.log.Warn("dropping event for slow or closed connection", "conn_id", c.ID(), "type", ev.Type, "err", err)
	}
}

// broadcast sends ev unfiltered to every connection.
func (h *Hub) broadcast(ev protocol.Event) {
	h.registry.Each(func(_ models.Role, c registry.Conn) {
		h.send(c, ev)
	})
}

func messagesFor(role models.Role, all []models.PcMessage) []models.PcMessage {
	out := make([]models.PcMessage, 0, len(all))
	for _, m := range all {
		if m.DeliversTo(role) {
			out = append(out, m)
		}
	}
	return out
}

func sameKeys[K comparable](a, b map[K]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func nonNilRoute(r []models.LatLng) []models.LatLng {
	if r == nil {
		return []models.LatLng{}
	}
	return r
}

// IsRejection reports whether err is a caller error rather than a
// server fault.
func IsRejection(err error) bool {
	return errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrInvalidTransition) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrForbidden)
}
