package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/server"
)

// flushTimeout bounds how long shutdown waits for queued database writes.
const flushTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the convoy session server",
		Long: `Opens the database, restores the mission session and serves the
websocket endpoint (/ws) and REST API (/api) until interrupted.

On SIGINT or SIGTERM, open sockets are closed, pending enrichment is
applied and queued database writes are flushed before exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, logLevel, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "convoy.yaml", "path to convoy config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().IntVar(&port, "port", 0, "override server.port from config")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, logLevel string, port int) error {
	out := cmd.OutOrStdout()
	log := logging.New(cmd.ErrOrStderr(), logLevel)

	cfg, err := loadConfig(out, configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewContext(ctx, log)

	sess, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	m, _ := sess.store.Mission()
	fmt.Fprintf(out, "Mission %q (%s) loaded from %s database\n", m.Name, m.Status, cfg.Database.Driver)

	// The writer outlives the signal context so shutdown can flush it.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() { writerDone <- sess.writer.Run(writerCtx) }()

	relayDone := make(chan error, 1)
	if sess.relay != nil {
		go func() { relayDone <- sess.relay.Run(ctx) }()
		fmt.Fprintf(out, "Relaying notices to %s channel %s\n", cfg.Telegraph.Platform, cfg.Telegraph.ChannelID)
	} else {
		relayDone <- nil
	}

	serveErr := server.Start(ctx, server.StartOpts{
		Opts: server.Opts{
			Hub:            sess.hub,
			Store:          sess.store,
			Registry:       sess.registry,
			RadiusM:        cfg.Visibility.RadiusM,
			UploadDir:      cfg.Server.UploadDir,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			SendBuffer:     cfg.Server.SendBuffer,
			Logger:         log,
		},
		Port: cfg.Server.Port,
		Out:  out,
	})
	// A listen error returns before ctx is cancelled.
	stop()

	sess.hub.Wait()
	if err := <-relayDone; err != nil {
		log.Warn("telegraph relay stopped", "err", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := sess.writer.Flush(flushCtx); err != nil {
		log.Error("flush database writes", "err", err)
	}
	stopWriter()
	if err := <-writerDone; err != nil {
		log.Error("database writer", "err", err)
	}
	if n := sess.writer.Failed(); n > 0 {
		log.Warn("database writes failed during session", "count", n)
	}

	if serveErr != nil {
		return serveErr
	}
	fmt.Fprintln(out, "Session stopped.")
	return nil
}
