// Package registry owns the role -> live connection map.
//
// A role holds at most one connection. A second join for the same role
// replaces the first (last writer wins) and hands the stale connection
// back to the caller to close. Audit records are appended only when a
// role actually goes online or offline.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/protocol"
	"github.com/zulandar/convoyops/internal/store"
)

// Conn is a live client connection as seen by the session core.
type Conn interface {
	ID() string
	// Send queues ev for delivery. It must not block.
	Send(ev protocol.Event) error
	Close() error
}

// Snapshot is the full state a new subscriber hydrates from. It is not
// filtered; the caller applies the visibility filter for the role.
type Snapshot struct {
	Vehicles  []models.Vehicle
	Alerts    []models.Alert
	Messages  []models.PcMessage
	Waypoints []models.Waypoint
	Mission   *models.Mission
	Route     []models.LatLng
	Connected []models.Role
}

// JoinResult is returned by Join.
type JoinResult struct {
	Snapshot Snapshot
	// Stale is the connection this join replaced, if any. The caller
	// closes it.
	Stale Conn
	// Flipped is true when the role went from offline to online.
	Flipped bool
	// Vehicle is the role's vehicle after the join.
	Vehicle models.Vehicle
}

// Registry is the concurrency-safe connection map.
type Registry struct {
	mu    sync.Mutex
	conns map[models.Role]Conn
	store *store.Store
	log   *slog.Logger
}

// New creates an empty Registry over st.
func New(st *store.Store, log *slog.Logger) *Registry {
	return &Registry{
		conns: make(map[models.Role]Conn),
		store: st,
		log:   logging.OrDefault(log),
	}
}

// ResetPresence marks every vehicle disconnected without auditing. Called
// once at boot, before any client can join.
func (r *Registry) ResetPresence() error {
	for _, v := range r.store.Vehicles() {
		if !v.Connected {
			continue
		}
		if _, err := r.store.MutateVehicle(v.Role, func(v *models.Vehicle) error {
			v.Connected = false
			return nil
		}); err != nil {
			return fmt.Errorf("registry: reset presence: %w", err)
		}
	}
	return nil
}

// Join registers conn for role and returns the snapshot to hydrate from.
func (r *Registry) Join(role models.Role, conn Conn) (JoinResult, error) {
	if !role.Valid() {
		return JoinResult{}, fmt.Errorf("registry: join: unknown role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult
	prev, online := r.conns[role]
	if online && prev.ID() != conn.ID() {
		res.Stale = prev
	}
	r.conns[role] = conn

	v, err := r.store.Vehicle(role)
	if err != nil {
		return JoinResult{}, fmt.Errorf("registry: join: %w", err)
	}
	if !online {
		res.Flipped = true
		if role.HasMapPresence() {
			if v, err = r.store.MutateVehicle(role, func(v *models.Vehicle) error {
				v.Connected = true
				return nil
			}); err != nil {
				delete(r.conns, role)
				return JoinResult{}, fmt.Errorf("registry: join: %w", err)
			}
		}
		r.store.AppendConnection(models.ConnectionLog{
			Role: role, Event: models.EventConnected, Lat: v.Lat, Lng: v.Lng,
		})
		r.log.Info("role connected", "role", role, "conn_id", conn.ID())
	} else if res.Stale != nil {
		r.log.Info("role reconnected, replacing stale connection", "role", role,
			"conn_id", conn.ID(), "stale_conn_id", res.Stale.ID())
	}
	res.Vehicle = v
	res.Snapshot = r.snapshotLocked()
	return res, nil
}

// Leave unregisters role if connID is still its current connection. A
// leave from a connection that was already replaced is ignored and
// returns false.
func (r *Registry) Leave(role models.Role, connID string) (left bool, v models.Vehicle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[role]
	if !ok || cur.ID() != connID {
		return false, models.Vehicle{}, nil
	}
	delete(r.conns, role)

	v, err = r.store.Vehicle(role)
	if err != nil {
		return true, models.Vehicle{}, fmt.Errorf("registry: leave: %w", err)
	}
	if role.HasMapPresence() {
		if v, err = r.store.MutateVehicle(role, func(v *models.Vehicle) error {
			v.Connected = false
			return nil
		}); err != nil {
			return true, models.Vehicle{}, fmt.Errorf("registry: leave: %w", err)
		}
	}
	r.store.AppendConnection(models.ConnectionLog{
		Role: role, Event: models.EventDisconnected, Lat: v.Lat, Lng: v.Lng,
	})
	r.log.Info("role disconnected", "role", role, "conn_id", connID)
	return true, v, nil
}

// Lookup returns the live connection for role.
func (r *Registry) Lookup(role models.Role) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[role]
	return c, ok
}

// Each calls fn for every live connection in role order. fn runs without
// the registry lock held.
func (r *Registry) Each(fn func(role models.Role, c Conn)) {
	type entry struct {
		role models.Role
		conn Conn
	}
	r.mu.Lock()
	entries := make([]entry, 0, len(r.conns))
	for _, role := range models.AllRoles {
		if c, ok := r.conns[role]; ok {
			entries = append(entries, entry{role, c})
		}
	}
	r.mu.Unlock()
	for _, e := range entries {
		fn(e.role, e.conn)
	}
}

// Connected lists the roles with a live connection, in role order.
func (r *Registry) Connected() []models.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked()
}

// Snapshot returns the current full state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) connectedLocked() []models.Role {
	out := make([]models.Role, 0, len(r.conns))
	for _, role := range models.AllRoles {
		if _, ok := r.conns[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

func (r *Registry) snapshotLocked() Snapshot {
	s := Snapshot{
		Vehicles:  r.store.Vehicles(),
		Alerts:    r.store.Alerts(),
		Messages:  r.store.Messages(),
		Waypoints: r.store.Waypoints(),
		Connected: r.connectedLocked(),
	}
	if m, err := r.store.Mission(); err == nil {
		s.Mission = &m
		s.Route = m.Route
	}
	return s
}
