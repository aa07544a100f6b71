// Package store holds the authoritative session state: vehicles, alerts,
// the current mission, waypoints, command messages and the audit trail.
//
// The store owns every entity. Callers only ever receive copies, and
// change state through Upsert*, Mutate* and Append* calls that commit
// atomically under a single mutex. Every committed row is handed to the
// Persister in commit order; the Persister must not perform network I/O
// inline (the db.Writer only enqueues).
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
)

// Persister receives committed rows for durable storage.
type Persister interface {
	Save(row any)
	Delete(row any)
}

type nopPersister struct{}

func (nopPersister) Save(any)   {}
func (nopPersister) Delete(any) {}

// Opts holds optional parameters for New.
type Opts struct {
	Persister           Persister
	Logger              *slog.Logger
	MaxPositionsPerRole int              // 0 means unbounded
	Now                 func() time.Time // defaults to time.Now
}

// Store is the mutex-guarded entity store.
type Store struct {
	mu sync.Mutex

	vehicles     map[models.Role]models.Vehicle
	alerts       map[string]models.Alert
	alertOrder   []string
	mission      *models.Mission
	waypoints    map[string]models.Waypoint
	messages     map[string]models.PcMessage
	messageOrder []string
	connLog      []models.ConnectionLog
	routeChanges []models.RouteChange
	positions    map[models.Role][]models.PositionSample

	nextConnID  uint
	nextRouteID uint
	nextPosID   uint

	persist      Persister
	log          *slog.Logger
	now          func() time.Time
	maxPositions int
}

// New creates an empty Store.
func New(opts Opts) *Store {
	s := &Store{
		vehicles:     make(map[models.Role]models.Vehicle),
		alerts:       make(map[string]models.Alert),
		waypoints:    make(map[string]models.Waypoint),
		messages:     make(map[string]models.PcMessage),
		positions:    make(map[models.Role][]models.PositionSample),
		nextConnID:   1,
		nextRouteID:  1,
		nextPosID:    1,
		persist:      opts.Persister,
		log:          logging.OrDefault(opts.Logger),
		now:          opts.Now,
		maxPositions: opts.MaxPositionsPerRole,
	}
	if s.persist == nil {
		s.persist = nopPersister{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now() }

// State is a full dump of stored entities, used to hydrate a Store from
// durable storage at boot.
type State struct {
	Vehicles      []models.Vehicle
	Alerts        []models.Alert
	Mission       *models.Mission
	Waypoints     []models.Waypoint
	Messages      []models.PcMessage
	ConnectionLog []models.ConnectionLog
	RouteChanges  []models.RouteChange
	Positions     []models.PositionSample
}

// Restore replaces the in-memory state with st without persisting
// anything. Sequence counters resume after the highest restored id.
func (s *Store) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vehicles = make(map[models.Role]models.Vehicle, len(st.Vehicles))
	for _, v := range st.Vehicles {
		s.vehicles[v.Role] = v
	}

	alerts := append([]models.Alert(nil), st.Alerts...)
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	s.alerts = make(map[string]models.Alert, len(alerts))
	s.alertOrder = s.alertOrder[:0]
	for _, a := range alerts {
		s.alerts[a.ID] = cloneAlert(a)
		s.alertOrder = append(s.alertOrder, a.ID)
	}

	s.mission = nil
	if st.Mission != nil {
		m := cloneMission(*st.Mission)
		s.mission = &m
	}

	s.waypoints = make(map[string]models.Waypoint, len(st.Waypoints))
	for _, w := range st.Waypoints {
		s.waypoints[w.ID] = w
	}

	msgs := append([]models.PcMessage(nil), st.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	s.messages = make(map[string]models.PcMessage, len(msgs))
	s.messageOrder = s.messageOrder[:0]
	for _, m := range msgs {
		s.messages[m.ID] = m
		s.messageOrder = append(s.messageOrder, m.ID)
	}

	s.connLog = append([]models.ConnectionLog(nil), st.ConnectionLog...)
	sort.SliceStable(s.connLog, func(i, j int) bool { return s.connLog[i].ID < s.connLog[j].ID })
	s.nextConnID = 1
	for _, c := range s.connLog {
		if c.ID >= s.nextConnID {
			s.nextConnID = c.ID + 1
		}
	}

	s.routeChanges = s.routeChanges[:0]
	for _, rc := range st.RouteChanges {
		s.routeChanges = append(s.routeChanges, cloneRouteChange(rc))
	}
	sort.SliceStable(s.routeChanges, func(i, j int) bool { return s.routeChanges[i].ID < s.routeChanges[j].ID })
	s.nextRouteID = 1
	for _, rc := range s.routeChanges {
		if rc.ID >= s.nextRouteID {
			s.nextRouteID = rc.ID + 1
		}
	}

	s.positions = make(map[models.Role][]models.PositionSample)
	s.nextPosID = 1
	for _, p := range st.Positions {
		s.positions[p.Role] = append(s.positions[p.Role], p)
		if p.ID >= s.nextPosID {
			s.nextPosID = p.ID + 1
		}
	}
	for role := range s.positions {
		ps := s.positions[role]
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
		s.positions[role] = s.trimPositions(ps)
	}
}

// --- Vehicles ---

// Vehicle returns a copy of the vehicle owned by role.
func (s *Store) Vehicle(role models.Role) (models.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[role]
	if !ok {
		return models.Vehicle{}, apperr.NotFound("vehicle", string(role))
	}
	return v, nil
}

// Vehicles returns every vehicle in role order.
func (s *Store) Vehicles() []models.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Vehicle, 0, len(s.vehicles))
	for _, r := range models.AllRoles {
		if v, ok := s.vehicles[r]; ok {
			out = append(out, v)
		}
	}
	return out
}

// UpsertVehicle stores v keyed by its role. Upserting the same vehicle
// twice leaves a single row. Coordinates are normalized first.
func (s *Store) UpsertVehicle(v models.Vehicle) (models.Vehicle, error) {
	if !v.Role.Valid() {
		return models.Vehicle{}, apperr.Invalid("role", "unknown role "+string(v.Role))
	}
	if err := NormalizeVehicle(&v); err != nil {
		s.log.Warn("store: dropping vehicle upsert", "role", v.Role, "err", err)
		return models.Vehicle{}, err
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[v.Role] = v
	s.persist.Save(v)
	return v, nil
}

// MutateVehicle applies patch to a copy of role's vehicle and commits it
// if patch returns nil and the result passes coordinate checks. A
// rejected patch leaves the vehicle unchanged.
func (s *Store) MutateVehicle(role models.Role, patch func(*models.Vehicle) error) (models.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[role]
	if !ok {
		return models.Vehicle{}, apperr.NotFound("vehicle", string(role))
	}
	if err := patch(&v); err != nil {
		return models.Vehicle{}, err
	}
	if err := NormalizeVehicle(&v); err != nil {
		s.log.Warn("store: dropping vehicle mutation", "role", role, "err", err)
		return models.Vehicle{}, err
	}
	v.Role = role
	v.UpdatedAt = s.now()
	s.vehicles[role] = v
	s.persist.Save(v)
	return v, nil
}

// --- Alerts ---

// Alert returns a copy of the alert with the given id.
func (s *Store) Alert(id string) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, apperr.NotFound("alert", id)
	}
	return cloneAlert(a), nil
}

// Alerts returns every alert in creation order.
func (s *Store) Alerts() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Alert, 0, len(s.alertOrder))
	for _, id := range s.alertOrder {
		out = append(out, cloneAlert(s.alerts[id]))
	}
	return out
}

// UpsertAlert stores a, inserting it at the end of the creation order if
// it is new.
func (s *Store) UpsertAlert(a models.Alert) (models.Alert, error) {
	if a.ID == "" {
		return models.Alert{}, apperr.Invalid("id", "alert id is required")
	}
	if err := CheckCoordinate(a.Lat, a.Lng); err != nil {
		s.log.Warn("store: dropping alert upsert", "alert_id", a.ID, "err", err)
		return models.Alert{}, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a = cloneAlert(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[a.ID]; !exists {
		s.alertOrder = append(s.alertOrder, a.ID)
	}
	s.alerts[a.ID] = a
	s.persist.Save(cloneAlert(a))
	return cloneAlert(a), nil
}

// MutateAlert applies patch to a copy of the alert and commits it if the
// patch returns nil.
func (s *Store) MutateAlert(id string, patch func(*models.Alert) error) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, apperr.NotFound("alert", id)
	}
	a := cloneAlert(cur)
	if err := patch(&a); err != nil {
		return models.Alert{}, err
	}
	if err := CheckCoordinate(a.Lat, a.Lng); err != nil {
		s.log.Warn("store: dropping alert mutation", "alert_id", id, "err", err)
		return models.Alert{}, err
	}
	a.ID = id
	s.alerts[id] = a
	s.persist.Save(cloneAlert(a))
	return cloneAlert(a), nil
}

// --- Mission ---

// Mission returns a copy of the current mission.
func (s *Store) Mission() (models.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mission == nil {
		return models.Mission{}, apperr.NotFound("mission", "current")
	}
	return cloneMission(*s.mission), nil
}

// SetMission makes m the current mission.
func (s *Store) SetMission(m models.Mission) (models.Mission, error) {
	if err := CheckCoordinate(m.StartLat, m.StartLng); err != nil {
		return models.Mission{}, err
	}
	if err := CheckCoordinate(m.ExtractionLat, m.ExtractionLng); err != nil {
		return models.Mission{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m = cloneMission(m)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mission = &m
	s.persist.Save(cloneMission(m))
	return cloneMission(m), nil
}

// MutateMission applies patch to a copy of the current mission and
// commits it if the patch returns nil.
func (s *Store) MutateMission(patch func(*models.Mission) error) (models.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mission == nil {
		return models.Mission{}, apperr.NotFound("mission", "current")
	}
	m := cloneMission(*s.mission)
	if err := patch(&m); err != nil {
		return models.Mission{}, err
	}
	m.ID = s.mission.ID
	s.mission = &m
	s.persist.Save(cloneMission(m))
	return cloneMission(m), nil
}

// --- Waypoints ---

// Waypoint returns a copy of the waypoint with the given id.
func (s *Store) Waypoint(id string) (models.Waypoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waypoints[id]
	if !ok {
		return models.Waypoint{}, apperr.NotFound("waypoint", id)
	}
	return w, nil
}

// Waypoints returns every waypoint ordered by OrderIndex, then id.
func (s *Store) Waypoints() []models.Waypoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Waypoint, 0, len(s.waypoints))
	for _, w := range s.waypoints {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpsertWaypoint stores w keyed by id.
func (s *Store) UpsertWaypoint(w models.Waypoint) (models.Waypoint, error) {
	if w.ID == "" {
		return models.Waypoint{}, apperr.Invalid("id", "waypoint id is required")
	}
	if err := CheckCoordinate(w.Lat, w.Lng); err != nil {
		s.log.Warn("store: dropping waypoint upsert", "waypoint_id", w.ID, "err", err)
		return models.Waypoint{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waypoints[w.ID] = w
	s.persist.Save(w)
	return w, nil
}

// MutateWaypoint applies patch to a copy of the waypoint and commits it
// if the patch returns nil.
func (s *Store) MutateWaypoint(id string, patch func(*models.Waypoint) error) (models.Waypoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waypoints[id]
	if !ok {
		return models.Waypoint{}, apperr.NotFound("waypoint", id)
	}
	if err := patch(&w); err != nil {
		return models.Waypoint{}, err
	}
	if err := CheckCoordinate(w.Lat, w.Lng); err != nil {
		s.log.Warn("store: dropping waypoint mutation", "waypoint_id", id, "err", err)
		return models.Waypoint{}, err
	}
	w.ID = id
	s.waypoints[id] = w
	s.persist.Save(w)
	return w, nil
}

// DeleteWaypoint removes the waypoint with the given id.
func (s *Store) DeleteWaypoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waypoints[id]
	if !ok {
		return apperr.NotFound("waypoint", id)
	}
	delete(s.waypoints, id)
	s.persist.Delete(w)
	return nil
}

// --- Messages ---

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (models.PcMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return models.PcMessage{}, apperr.NotFound("message", id)
	}
	return m, nil
}

// Messages returns every message in creation order.
func (s *Store) Messages() []models.PcMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PcMessage, 0, len(s.messageOrder))
	for _, id := range s.messageOrder {
		out = append(out, s.messages[id])
	}
	return out
}

// UpsertMessage stores m keyed by id.
func (s *Store) UpsertMessage(m models.PcMessage) (models.PcMessage, error) {
	if m.ID == "" {
		return models.PcMessage{}, apperr.Invalid("id", "message id is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; !exists {
		s.messageOrder = append(s.messageOrder, m.ID)
	}
	s.messages[m.ID] = m
	s.persist.Save(m)
	return m, nil
}

// MutateMessage applies patch to a copy of the message and commits it if
// the patch returns nil. The target role can never change.
func (s *Store) MutateMessage(id string, patch func(*models.PcMessage) error) (models.PcMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[id]
	if !ok {
		return models.PcMessage{}, apperr.NotFound("message", id)
	}
	m := cur
	if err := patch(&m); err != nil {
		return models.PcMessage{}, err
	}
	m.ID = id
	m.TargetRole = cur.TargetRole
	s.messages[id] = m
	s.persist.Save(m)
	return m, nil
}

// --- Audit trail ---

// AppendConnection records a connection audit entry. The store assigns
// the id and, when unset, the timestamp.
func (s *Store) AppendConnection(rec models.ConnectionLog) models.ConnectionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextConnID
	s.nextConnID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.connLog = append(s.connLog, rec)
	s.persist.Save(rec)
	return rec
}

// ConnectionLog returns every connection record in append order.
func (s *Store) ConnectionLog() []models.ConnectionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConnectionLog(nil), s.connLog...)
}

// AppendRouteChange records a route recomputation.
func (s *Store) AppendRouteChange(rec models.RouteChange) models.RouteChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec = cloneRouteChange(rec)
	rec.ID = s.nextRouteID
	s.nextRouteID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.routeChanges = append(s.routeChanges, rec)
	s.persist.Save(cloneRouteChange(rec))
	return cloneRouteChange(rec)
}

// RouteChanges returns every route change in append order.
func (s *Store) RouteChanges() []models.RouteChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RouteChange, len(s.routeChanges))
	for i, rc := range s.routeChanges {
		out[i] = cloneRouteChange(rc)
	}
	return out
}

// AppendPosition records a position sample for replay.
func (s *Store) AppendPosition(p models.PositionSample) (models.PositionSample, error) {
	if err := CheckCoordinate(p.Lat, p.Lng); err != nil {
		return models.PositionSample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextPosID
	s.nextPosID++
	if p.RecordedAt.IsZero() {
		p.RecordedAt = s.now()
	}
	s.positions[p.Role] = s.trimPositions(append(s.positions[p.Role], p))
	s.persist.Save(p)
	return p, nil
}

// PositionHistory returns samples recorded at or after since, in
// recording order. An empty role returns every role's samples.
func (s *Store) PositionHistory(role models.Role, since time.Time) []models.PositionSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PositionSample
	collect := func(ps []models.PositionSample) {
		for _, p := range ps {
			if !p.RecordedAt.Before(since) {
				out = append(out, p)
			}
		}
	}
	if role != "" {
		collect(s.positions[role])
		return out
	}
	for _, r := range models.AllRoles {
		collect(s.positions[r])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// trimPositions keeps at most maxPositions of the newest samples in
// memory. Trimmed samples remain in durable storage.
func (s *Store) trimPositions(ps []models.PositionSample) []models.PositionSample {
	if s.maxPositions <= 0 || len(ps) <= s.maxPositions {
		return ps
	}
	return append([]models.PositionSample(nil), ps[len(ps)-s.maxPositions:]...)
}
