package telegraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/convoyops/internal/hub"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
	"github.com/zulandar/convoyops/internal/registry"
	"github.com/zulandar/convoyops/internal/store"
)

const (
	defaultRelayBuffer = 256
	drainTimeout       = 5 * time.Second
)

// RelayOpts holds parameters for creating a Relay.
type RelayOpts struct {
	Adapter    Adapter
	ChannelID  string
	SitrepCron string // optional 5-field cron expression
	Store      *store.Store
	Registry   *registry.Registry
	Buffer     int
	Logger     *slog.Logger
}

// Relay forwards hub notices to a chat adapter and posts periodic
// sitreps. It implements hub.Observer.
type Relay struct {
	adapter    Adapter
	channelID  string
	sitrepCron string
	store      *store.Store
	registry   *registry.Registry
	log        *slog.Logger

	queue   chan relayItem
	dropped atomic.Int64
	failed  atomic.Int64
}

type relayItem struct {
	notice *hub.Notice
	sitrep bool
}

// NewRelay validates opts and returns a Relay.
func NewRelay(opts RelayOpts) (*Relay, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.SitrepCron != "" {
		if opts.Store == nil || opts.Registry == nil {
			return nil, fmt.Errorf("telegraph: sitrep requires store and registry")
		}
		if _, err := cronParser.Parse(opts.SitrepCron); err != nil {
			return nil, fmt.Errorf("telegraph: sitrep cron %q: %w", opts.SitrepCron, err)
		}
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultRelayBuffer
	}
	return &Relay{
		adapter:    opts.Adapter,
		channelID:  opts.ChannelID,
		sitrepCron: opts.SitrepCron,
		store:      opts.Store,
		registry:   opts.Registry,
		log:        logging.OrDefault(opts.Logger),
		queue:      make(chan relayItem, buf),
	}, nil
}

// Observe queues n for delivery. Notices the relay does not forward are
// ignored. When the queue is full the notice is dropped.
func (r *Relay) Observe(n hub.Notice) {
	if _, ok := FormatNotice(n); !ok {
		return
	}
	r.enqueue(relayItem{notice: &n})
}

func (r *Relay) enqueue(it relayItem) {
	select {
	case r.queue <- it:
	default:
		r.dropped.Add(1)
		r.log.Warn("telegraph: relay queue full, dropping", "sitrep", it.sitrep)
	}
}

// Dropped returns the number of items discarded because the queue was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Failed returns the number of sends the adapter rejected.
func (r *Relay) Failed() int64 { return r.failed.Load() }

// Run connects the adapter and delivers queued items until ctx is
// cancelled. Items still queued at shutdown are flushed with a short
// deadline before the adapter is closed.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	defer func() {
		if err := r.adapter.Close(); err != nil {
			r.log.Warn("telegraph: close adapter", "error", err)
		}
	}()

	if r.sitrepCron != "" {
		c := cron.New(cron.WithParser(cronParser))
		if _, err := c.AddFunc(r.sitrepCron, func() { r.enqueue(relayItem{sitrep: true}) }); err != nil {
			return fmt.Errorf("telegraph: schedule sitrep: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		r.log.Info("telegraph: sitrep scheduled",
			"cron", r.sitrepCron,
			"next_in", nextCronDuration(r.sitrepCron, time.Now()).Round(time.Second))
	}

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case it := <-r.queue:
			r.deliver(ctx, it)
		}
	}
}

func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case it := <-r.queue:
			r.deliver(ctx, it)
		default:
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context, it relayItem) {
	var ev FormattedEvent
	switch {
	case it.sitrep:
		ev = FormatSitrep(r.Sitrep())
	case it.notice != nil:
		var ok bool
		if ev, ok = FormatNotice(*it.notice); !ok {
			return
		}
	default:
		return
	}
	msg := OutboundMessage{
		ChannelID: r.channelID,
		Text:      ev.Title,
		Events:    []FormattedEvent{ev},
		Urgent:    ev.Severity == "error",
	}
	if err := r.adapter.Send(ctx, msg); err != nil {
		r.failed.Add(1)
		r.log.Warn("telegraph: send failed", "title", ev.Title, "error", err)
	}
}

// Sitrep summarises the current session from the store and registry.
func (r *Relay) Sitrep() Sitrep {
	s := Sitrep{
		Alerts: make(map[models.AlertStatus]int),
		At:     time.Now(),
	}
	if r.store == nil {
		return s
	}
	s.At = r.store.Now()
	if m, err := r.store.Mission(); err == nil {
		s.Mission = &m
	}
	for _, a := range r.store.Alerts() {
		s.Alerts[a.Status]++
	}
	s.Waypoints = len(r.store.Waypoints())
	if r.registry != nil {
		s.Connected = r.registry.Connected()
	}
	return s
}
