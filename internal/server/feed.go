package server

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/convoyops/internal/hub"
	"github.com/zulandar/convoyops/internal/models"
)

const (
	feedBuffer        = 32
	heartbeatInterval = 15 * time.Second
)

// feed fans hub notices out to server-sent-event subscribers. A
// subscriber that falls behind misses notices rather than stalling the hub.
type feed struct {
	mu   sync.Mutex
	subs map[chan hub.Notice]struct{}
}

func newFeed() *feed {
	return &feed{subs: make(map[chan hub.Notice]struct{})}
}

// Observe implements hub.Observer.
func (f *feed) Observe(n hub.Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (f *feed) subscribe() (<-chan hub.Notice, func()) {
	ch := make(chan hub.Notice, feedBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

func (f *feed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// noticeEvent is the JSON body of one feed event.
type noticeEvent struct {
	Kind        hub.NoticeKind      `json:"kind"`
	Actor       models.Role         `json:"actor,omitempty"`
	At          time.Time           `json:"at"`
	Alert       *models.Alert       `json:"alert,omitempty"`
	Mission     *models.Mission     `json:"mission,omitempty"`
	RouteChange *models.RouteChange `json:"route_change,omitempty"`
	Message     *models.PcMessage   `json:"message,omitempty"`
}

// handleEvents streams every notice to the command post as server-sent
// events, with a periodic heartbeat.
func handleEvents(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		notices, cancel := s.feed.subscribe()
		defer cancel()

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case n := <-notices:
				writeSSE(c.Writer, string(n.Kind), noticeEvent{
					Kind:        n.Kind,
					Actor:       n.Actor,
					At:          n.At,
					Alert:       n.Alert,
					Mission:     n.Mission,
					RouteChange: n.RouteChange,
					Message:     n.Message,
				})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
