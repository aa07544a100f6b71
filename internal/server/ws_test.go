package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/protocol"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		if f.Type == typ {
			return f
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newWSServer(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)
	return env, srv
}

func TestWS_JoinViaQuery(t *testing.T) {
	env, srv := newWSServer(t)
	conn := dial(t, srv, "?role=CONVOY_1")

	f := readUntil(t, conn, protocol.EventJoined)
	var joined protocol.Joined
	if err := json.Unmarshal(f.Payload, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.Role != models.RoleConvoy1 {
		t.Errorf("joined role = %s", joined.Role)
	}

	f = readUntil(t, conn, protocol.EventVehiclesSync)
	var vehicles []models.Vehicle
	json.Unmarshal(f.Payload, &vehicles)
	for _, v := range vehicles {
		if v.Role == models.RoleReco {
			t.Error("CONVOY_1 snapshot includes RECO")
		}
	}
	if v, _ := env.store.Vehicle(models.RoleConvoy1); !v.Connected {
		t.Error("CONVOY_1 should be connected")
	}
}

func TestWS_JoinFrameAndMalformedFrame(t *testing.T) {
	_, srv := newWSServer(t)
	conn := dial(t, srv, "")

	writeFrame(t, conn, `{"type":"position:update","payload":{"role":"RECO","lat":1,"lng":1}}`)
	f := readUntil(t, conn, protocol.EventError)
	var ep protocol.ErrorPayload
	json.Unmarshal(f.Payload, &ep)
	if ep.Code != "validation" || ep.Intent != protocol.TypePositionUpdate {
		t.Errorf("error before join = %+v", ep)
	}

	writeFrame(t, conn, `not json`)
	f = readUntil(t, conn, protocol.EventError)
	json.Unmarshal(f.Payload, &ep)
	if ep.Code != "validation" {
		t.Errorf("malformed frame error = %+v", ep)
	}

	writeFrame(t, conn, `{"type":"join","payload":{"role":"RECO"}}`)
	readUntil(t, conn, protocol.EventJoined)
}

func TestWS_TargetedMessage(t *testing.T) {
	_, srv := newWSServer(t)
	c2 := dial(t, srv, "?role=CONVOY_2")
	readUntil(t, c2, protocol.EventJoined)
	pc := dial(t, srv, "?role=PC")
	readUntil(t, pc, protocol.EventJoined)

	writeFrame(t, pc, `{"type":"message:send","payload":{"content":"Hold at CP2","targetRole":"CONVOY_2"}}`)

	f := readUntil(t, c2, protocol.EventMessageReceived)
	var m models.PcMessage
	json.Unmarshal(f.Payload, &m)
	if m.Content != "Hold at CP2" || m.TargetRole == nil || *m.TargetRole != models.RoleConvoy2 {
		t.Errorf("message = %+v", m)
	}
	readUntil(t, pc, protocol.EventMessageSent)
}

func TestWS_ReconnectClosesStaleSocket(t *testing.T) {
	env, srv := newWSServer(t)
	first := dial(t, srv, "?role=RECO")
	readUntil(t, first, protocol.EventJoined)
	second := dial(t, srv, "?role=RECO")
	readUntil(t, second, protocol.EventJoined)

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The stale socket's departure must not mark RECO offline.
	time.Sleep(50 * time.Millisecond)
	if v, _ := env.store.Vehicle(models.RoleReco); !v.Connected {
		t.Error("RECO should stay connected through the new socket")
	}
	n := 0
	for _, rec := range env.store.ConnectionLog() {
		if rec.Role == models.RoleReco && rec.Event == models.EventDisconnected {
			n++
		}
	}
	if n != 0 {
		t.Errorf("DISCONNECTED records = %d, want 0", n)
	}
}

func TestWS_DisconnectMarksOffline(t *testing.T) {
	env, srv := newWSServer(t)
	conn := dial(t, srv, "?role=CONVOY_3")
	readUntil(t, conn, protocol.EventJoined)
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := env.store.Vehicle(models.RoleConvoy3); !v.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("CONVOY_3 still connected after socket close")
}
