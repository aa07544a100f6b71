package registry

import (
	"sync"
	"testing"

	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/protocol"
	"github.com/zulandar/convoyops/internal/store"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   []protocol.Event
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st := store.New(store.Opts{Logger: logging.Discard()})
	for _, r := range models.AllRoles {
		if _, err := st.UpsertVehicle(models.Vehicle{Role: r, Lat: 17.42, Lng: -4.18}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.SetMission(models.Mission{ID: 1, Name: "m", Status: models.MissionBriefing,
		Route: []models.LatLng{{17.42, -4.18}, {17.61, -4.02}}}); err != nil {
		t.Fatal(err)
	}
	return New(st, logging.Discard()), st
}

func countEvents(log []models.ConnectionLog, role models.Role, ev models.ConnectionEvent) int {
	n := 0
	for _, rec := range log {
		if rec.Role == role && rec.Event == ev {
			n++
		}
	}
	return n
}

func TestJoin_MarksConnectedAndAudits(t *testing.T) {
	reg, st := newTestRegistry(t)
	res, err := reg.Join(models.RoleConvoy1, &fakeConn{id: "c1"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !res.Flipped || res.Stale != nil {
		t.Errorf("result = %+v", res)
	}
	if v, _ := st.Vehicle(models.RoleConvoy1); !v.Connected {
		t.Error("vehicle should be connected")
	}
	log := st.ConnectionLog()
	if len(log) != 1 || log[0].Event != models.EventConnected || log[0].Lat != 17.42 {
		t.Errorf("connection log = %+v", log)
	}
	if len(res.Snapshot.Vehicles) != 7 || len(res.Snapshot.Route) != 2 || res.Snapshot.Mission == nil {
		t.Errorf("snapshot = %+v", res.Snapshot)
	}
	if len(res.Snapshot.Connected) != 1 || res.Snapshot.Connected[0] != models.RoleConvoy1 {
		t.Errorf("connected = %v", res.Snapshot.Connected)
	}
}

func TestJoin_TwiceAuditsOnce(t *testing.T) {
	reg, st := newTestRegistry(t)
	c := &fakeConn{id: "c1"}
	reg.Join(models.RoleReco, c)
	res, err := reg.Join(models.RoleReco, c)
	if err != nil {
		t.Fatal(err)
	}
	if res.Flipped || res.Stale != nil {
		t.Errorf("second join result = %+v", res)
	}
	if n := countEvents(st.ConnectionLog(), models.RoleReco, models.EventConnected); n != 1 {
		t.Errorf("CONNECTED records = %d, want 1", n)
	}
}

func TestJoin_ReplacesStaleConnection(t *testing.T) {
	reg, st := newTestRegistry(t)
	old := &fakeConn{id: "old"}
	fresh := &fakeConn{id: "new"}
	reg.Join(models.RoleConvoy2, old)

	res, err := reg.Join(models.RoleConvoy2, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stale != old {
		t.Errorf("Stale = %v, want old connection", res.Stale)
	}
	if old.closed {
		t.Error("registry must not close the stale connection itself")
	}
	if c, _ := reg.Lookup(models.RoleConvoy2); c != fresh {
		t.Error("Lookup should return the new connection")
	}
	if n := countEvents(st.ConnectionLog(), models.RoleConvoy2, models.EventConnected); n != 1 {
		t.Errorf("CONNECTED records = %d, want 1", n)
	}

	// The stale socket's eventual leave must not disconnect the new one.
	left, _, err := reg.Leave(models.RoleConvoy2, "old")
	if err != nil || left {
		t.Errorf("stale Leave = %v, %v; want ignored", left, err)
	}
	if v, _ := st.Vehicle(models.RoleConvoy2); !v.Connected {
		t.Error("vehicle should still be connected")
	}
}

func TestLeave(t *testing.T) {
	reg, st := newTestRegistry(t)
	reg.Join(models.RoleConvoy3, &fakeConn{id: "c3"})

	left, v, err := reg.Leave(models.RoleConvoy3, "c3")
	if err != nil || !left {
		t.Fatalf("Leave = %v, %v", left, err)
	}
	if v.Connected {
		t.Error("returned vehicle should be disconnected")
	}
	if _, ok := reg.Lookup(models.RoleConvoy3); ok {
		t.Error("mapping should be removed")
	}
	left, _, _ = reg.Leave(models.RoleConvoy3, "c3")
	if left {
		t.Error("second Leave should be a no-op")
	}
	if n := countEvents(st.ConnectionLog(), models.RoleConvoy3, models.EventDisconnected); n != 1 {
		t.Errorf("DISCONNECTED records = %d, want 1", n)
	}
}

func TestCommandPost_NoMapPresence(t *testing.T) {
	reg, st := newTestRegistry(t)
	res, err := reg.Join(models.RoleCommand, &fakeConn{id: "pc"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Flipped {
		t.Error("PC join should flip presence")
	}
	if v, _ := st.Vehicle(models.RoleCommand); v.Connected {
		t.Error("PC vehicle must never show as connected")
	}
	if n := countEvents(st.ConnectionLog(), models.RoleCommand, models.EventConnected); n != 1 {
		t.Errorf("PC CONNECTED records = %d, want 1", n)
	}
	reg.Join(models.RoleCommand, &fakeConn{id: "pc2"})
	if n := countEvents(st.ConnectionLog(), models.RoleCommand, models.EventConnected); n != 1 {
		t.Errorf("PC reconnect CONNECTED records = %d, want 1", n)
	}
}

func TestJoin_UnknownRole(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Join("TANK", &fakeConn{id: "x"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestEach_RoleOrder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Join(models.RoleCommand, &fakeConn{id: "pc"})
	reg.Join(models.RoleConvoy1, &fakeConn{id: "c1"})
	reg.Join(models.RoleReco, &fakeConn{id: "r"})

	var got []models.Role
	reg.Each(func(role models.Role, _ Conn) { got = append(got, role) })
	want := []models.Role{models.RoleConvoy1, models.RoleReco, models.RoleCommand}
	if len(got) != len(want) {
		t.Fatalf("Each visited %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Each[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestResetPresence(t *testing.T) {
	reg, st := newTestRegistry(t)
	st.MutateVehicle(models.RoleConvoy4, func(v *models.Vehicle) error {
		v.Connected = true
		return nil
	})
	if err := reg.ResetPresence(); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.Vehicle(models.RoleConvoy4); v.Connected {
		t.Error("vehicle should be reset to disconnected")
	}
	if len(st.ConnectionLog()) != 0 {
		t.Error("reset must not audit")
	}
}

func TestConcurrentJoins(t *testing.T) {
	reg, st := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Join(models.RoleAircraft, &fakeConn{id: string(rune('a' + i%26))})
		}(i)
	}
	wg.Wait()
	if n := countEvents(st.ConnectionLog(), models.RoleAircraft, models.EventConnected); n != 1 {
		t.Errorf("CONNECTED records = %d, want 1", n)
	}
}
