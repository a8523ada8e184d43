// Package server assembles the collector process: connection manager,
// scheduler, snapshot store, event fan-out and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/walwatch/walwatch/internal/api"
	"github.com/walwatch/walwatch/internal/channels"
	"github.com/walwatch/walwatch/internal/clock"
	"github.com/walwatch/walwatch/internal/collector"
	"github.com/walwatch/walwatch/internal/config"
	"github.com/walwatch/walwatch/internal/connection"
	"github.com/walwatch/walwatch/internal/eventbus"
	"github.com/walwatch/walwatch/internal/poller"
	"github.com/walwatch/walwatch/internal/secrets"
	"github.com/walwatch/walwatch/internal/store"
	"github.com/walwatch/walwatch/internal/telemetry"
)

// Server owns every long-lived component.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	events    *channels.EventChannels
	conns     *connection.Manager
	snapshots *store.SnapshotStore
	scheduler *poller.Scheduler
	publisher *eventbus.Publisher
	http      *http.Server
}

// New wires the components described by cfg and registers its targets.
// Nothing runs until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	clk := clock.Real{}
	pollerCfg := cfg.Scheduler.Poller()

	events := channels.NewEventChannels(cfg.Events.Channels())
	conns := connection.NewManager(
		cfg.Connection.Connector(),
		secrets.NewResolver(cfg.Secrets.Policy()),
		cfg.Connection.Manager(),
		logger,
		connection.WithEvents(events),
	)
	snapshots := store.New(cfg.Store.HistoryCapacity)

	assembler := collector.NewAssembler(collector.FromManager(conns), snapshots, clk, logger, collector.Config{
		QueryTimeout: cfg.Connection.QueryTimeout(),
		Thresholds:   cfg.Thresholds.Health(),
	})
	writer := poller.NewResultWriter(snapshots, events, pollerCfg.DefaultInterval, logger)
	scheduler := poller.NewScheduler(assembler, conns, writer, logger, pollerCfg, poller.WithEvents(events))

	for _, t := range cfg.Targets {
		if err := scheduler.Register(t); err != nil {
			return nil, fmt.Errorf("register target %s: %w", t.ID, err)
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		events:    events,
		conns:     conns,
		snapshots: snapshots,
		scheduler: scheduler,
	}

	if cfg.NATS.Enabled {
		pub, err := eventbus.NewPublisher(eventbus.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Topics:        cfg.NATS.Topics,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait(),
		}, logger)
		if err != nil {
			return nil, err
		}
		s.publisher = pub
	}

	var metrics http.Handler
	if cfg.Metrics.Enabled {
		metrics = telemetry.Handler(telemetry.NewRegistry(telemetry.NewExporter(snapshots, scheduler, clk)))
	}

	router := api.NewRouter(api.Dependencies{
		Registry:    scheduler,
		Snapshots:   snapshots,
		Connections: conns,
		Credentials: cfg.Secrets.Policy(),
		Metrics:     metrics,
		Clock:       clk,
		TestTimeout: cfg.Connection.Connector().ConnectTimeout + cfg.Connection.QueryTimeout(),
		Logger:      logger,
	}, cfg.CORS, cfg.Metrics.Path)

	s.http = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}
	return s, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts
// everything down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sinks []channels.Sink
	if s.publisher != nil {
		sinks = append(sinks, s.publisher)
	}
	channels.StartEventLogger(ctx, s.events, s.logger, sinks...)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Scheduler error", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.http.Addr, "targets", len(s.cfg.Targets))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server...")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Cancel the main context to signal all workers to stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout())
	defer shutdownCancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
	}

	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		s.logger.Warn("Scheduler did not stop before shutdown timeout")
	}

	s.conns.Close()
	s.events.Close()
	if s.publisher != nil {
		s.publisher.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return runErr
}

// Scheduler exposes the target registry.
func (s *Server) Scheduler() *poller.Scheduler { return s.scheduler }

// Snapshots exposes the snapshot store.
func (s *Server) Snapshots() *store.SnapshotStore { return s.snapshots }
