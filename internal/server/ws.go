package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/convoyops/internal/hub"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// maxFrameBytes fits a base64 image at the media size limit.
	maxFrameBytes = 12 << 20
)

var (
	errClientClosed = errors.New("server: connection closed")
	errSlowClient   = errors.New("server: send queue full")
)

// client is one websocket connection. It implements registry.Conn: Send
// never blocks, and a client whose queue overflows is closed.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

func newClient(conn *websocket.Conn, buffer int, log *slog.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		log:  log.With("conn_id", id),
	}
}

func (c *client) ID() string { return c.id }

func (c *client) Send(ev protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("server: encode %s: %w", ev.Type, err)
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.Close()
		return errSlowClient
	}
}

// Close stops the write pump, which closes the socket.
func (c *client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, so a replaced connection still
// receives events sent before it was closed.
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// readPump feeds frames to the hub in arrival order until the socket
// fails, then leaves the session.
func (c *client) readPump(ctx context.Context, h *hub.Hub, sess *hub.Session) {
	defer func() {
		h.Leave(sess)
		c.Close()
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("websocket closed unexpectedly", "role", sess.Role, "err", err)
			}
			return
		}
		in, err := protocol.DecodeIntent(data)
		if err != nil {
			c.log.Debug("malformed frame", "role", sess.Role, "err", err)
			c.Send(protocol.ErrorEvent(frameType(data), err))
			continue
		}
		// Rejections are reported to this client by the hub.
		h.Handle(ctx, sess, in)
	}
}

// frameType extracts the type field of a frame that failed to decode.
func frameType(data []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &env)
	return env.Type
}

func handleWS(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// The upgrader has already written an HTTP error.
			s.log.Warn("websocket upgrade failed", "remote", c.ClientIP(), "err", err)
			return
		}
		cl := newClient(conn, s.sendBuffer, s.log)
		s.track(cl)
		defer s.untrack(cl)
		go cl.writePump()

		ctx := c.Request.Context()
		sess := &hub.Session{Conn: cl}
		if role := c.Query("role"); role != "" {
			s.hub.Handle(ctx, sess, protocol.Join{Role: models.Role(role)})
		}
		cl.readPump(ctx, s.hub, sess)
	}
}
