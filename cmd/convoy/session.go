package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/zulandar/convoyops/internal/alert"
	"github.com/zulandar/convoyops/internal/config"
	"github.com/zulandar/convoyops/internal/db"
	"github.com/zulandar/convoyops/internal/enrich"
	"github.com/zulandar/convoyops/internal/hub"
	"github.com/zulandar/convoyops/internal/media"
	"github.com/zulandar/convoyops/internal/mission"
	"github.com/zulandar/convoyops/internal/registry"
	"github.com/zulandar/convoyops/internal/store"
	"github.com/zulandar/convoyops/internal/telegraph"
	"github.com/zulandar/convoyops/internal/telegraph/discord"
	"github.com/zulandar/convoyops/internal/telegraph/slack"
	"gorm.io/gorm"
)

// loadConfig reads path, falling back to defaults when the file does not
// exist.
func loadConfig(out io.Writer, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "No config at %s, using defaults\n", path)
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// session is the wired set of components behind one running server.
type session struct {
	db       *gorm.DB
	writer   *db.Writer
	store    *store.Store
	registry *registry.Registry
	missions *mission.Manager
	alerts   *alert.Manager
	enrich   enrich.Set
	media    *media.Store
	hub      *hub.Hub
	relay    *telegraph.Relay // nil when no chat platform is configured
}

// openSession prepares the database, hydrates the store from it and wires
// the hub. Nothing is started; the caller runs the writer and relay.
func openSession(ctx context.Context, cfg *config.Config, log *slog.Logger) (*session, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return nil, err
	}
	if err := db.SeedVehicles(gdb, cfg); err != nil {
		return nil, err
	}
	state, err := db.LoadState(gdb)
	if err != nil {
		return nil, err
	}

	s := &session{db: gdb, writer: db.NewWriter(gdb, log)}
	s.store = store.New(store.Opts{
		Persister:           s.writer,
		Logger:              log,
		MaxPositionsPerRole: cfg.History.MaxPositionsPerRole,
	})
	s.store.Restore(state)

	s.registry = registry.New(s.store, log)
	if err := s.registry.ResetPresence(); err != nil {
		return nil, err
	}

	s.enrich = enrich.New(ctx, cfg.Enrichment)
	s.missions = mission.NewManager(s.store, log)
	s.alerts = alert.NewManager(s.store, log)
	s.media = media.NewStore(cfg.Server.UploadDir)

	if _, _, err := s.missions.Bootstrap(ctx, mission.BootstrapOpts{
		Name:       cfg.Mission.Name,
		Start:      cfg.Mission.Start.LatLng(),
		Extraction: cfg.Mission.Extraction.LatLng(),
		Briefing:   cfg.Mission.Briefing,
		Narrator:   s.enrich.Narrator,
	}); err != nil {
		return nil, err
	}

	s.relay, err = newRelay(cfg.Telegraph, s.store, s.registry, log)
	if err != nil {
		return nil, err
	}

	var observers []hub.Observer
	if s.relay != nil {
		observers = append(observers, s.relay)
	}
	s.hub = hub.New(hub.Opts{
		Store:     s.store,
		Registry:  s.registry,
		Missions:  s.missions,
		Alerts:    s.alerts,
		Enrich:    s.enrich,
		Media:     s.media,
		RadiusM:   cfg.Visibility.RadiusM,
		Logger:    log,
		Observers: observers,
		Context:   ctx,
	})
	return s, nil
}

// newRelay builds the chat relay for the configured platform, or returns
// nil when the relay is disabled.
func newRelay(cfg config.TelegraphConfig, st *store.Store, reg *registry.Registry, log *slog.Logger) (*telegraph.Relay, error) {
	var adapter telegraph.Adapter
	switch cfg.Platform {
	case "":
		return nil, nil
	case "slack":
		a, err := slack.New(slack.AdapterOpts{BotToken: cfg.BotToken, ChannelID: cfg.ChannelID})
		if err != nil {
			return nil, err
		}
		adapter = a
	case "discord":
		a, err := discord.New(discord.AdapterOpts{BotToken: cfg.BotToken, ChannelID: cfg.ChannelID, Logger: log})
		if err != nil {
			return nil, err
		}
		adapter = a
	default:
		return nil, fmt.Errorf("unknown telegraph platform %q", cfg.Platform)
	}
	return telegraph.NewRelay(telegraph.RelayOpts{
		Adapter:    adapter,
		ChannelID:  cfg.ChannelID,
		SitrepCron: cfg.SitrepCron,
		Store:      st,
		Registry:   reg,
		Logger:     log,
	})
}
