// Package server exposes a session over HTTP: the /ws websocket that
// carries intents and events, and the REST surface for queries and
// command-post actions.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/convoyops/internal/hub"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/media"
	"github.com/zulandar/convoyops/internal/registry"
	"github.com/zulandar/convoyops/internal/store"
	"github.com/zulandar/convoyops/internal/visibility"
)

// Opts holds the collaborators of a Server.
type Opts struct {
	Hub            *hub.Hub
	Store          *store.Store
	Registry       *registry.Registry
	RadiusM        float64
	UploadDir      string
	AllowedOrigins []string
	SendBuffer     int
	Logger         *slog.Logger
}

// Server routes HTTP and websocket traffic to a hub.
type Server struct {
	hub        *hub.Hub
	store      *store.Store
	registry   *registry.Registry
	radius     float64
	sendBuffer int
	log        *slog.Logger
	upgrader   websocket.Upgrader
	router     *gin.Engine
	feed       *feed

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New builds a Server and its routes.
func New(opts Opts) (*Server, error) {
	if opts.Hub == nil || opts.Store == nil || opts.Registry == nil {
		return nil, fmt.Errorf("server: hub, store and registry are required")
	}
	s := &Server{
		hub:        opts.Hub,
		store:      opts.Store,
		registry:   opts.Registry,
		radius:     opts.RadiusM,
		sendBuffer: opts.SendBuffer,
		log:        logging.OrDefault(opts.Logger),
		clients:    make(map[*client]struct{}),
		feed:       newFeed(),
	}
	opts.Hub.AddObserver(s.feed)
	if s.radius <= 0 {
		s.radius = visibility.DefaultRadiusM
	}
	if s.sendBuffer <= 0 {
		s.sendBuffer = 64
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.UploadDir != "" {
		router.Static(media.URLPrefix, opts.UploadDir)
	}
	registerRoutes(router, s)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// CloseClients closes every open websocket.
func (s *Server) CloseClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// StartOpts holds configuration for Start.
type StartOpts struct {
	Opts
	Port int
	Out  io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	s, err := New(opts.Opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked websockets are not tracked by Shutdown.
		s.CloseClients()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", "err", err)
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Convoy session listening on http://localhost:%d (websocket at /ws)\n", opts.Port)
	}
	s.log.Info("http server starting", "port", opts.Port)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// checkOrigin allows every origin when allowed is empty, and requests
// without an Origin header.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}
