// Package agent wires the monitoring components together and runs them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/allowlist"
	"github.com/safewatchhq/safewatch-agent/internal/bridge"
	"github.com/safewatchhq/safewatch-agent/internal/config"
	"github.com/safewatchhq/safewatch-agent/internal/crisis"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/idle"
	"github.com/safewatchhq/safewatch-agent/internal/ipc"
	"github.com/safewatchhq/safewatch-agent/internal/queue"
	"github.com/safewatchhq/safewatch-agent/internal/scheduler"
	"github.com/safewatchhq/safewatch-agent/internal/status"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
	"github.com/safewatchhq/safewatch-agent/internal/uploader"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Agent owns the full capture pipeline.
type Agent struct {
	cfg       *config.Config
	store     storage.Store
	bridge    *bridge.Client
	engine    *crisis.Engine
	monitor   *idle.Monitor
	events    *events.Logger
	tracker   *status.Tracker
	queue     *queue.Queue
	sched     *scheduler.Scheduler
	sync      *uploader.Synchronizer
	refresher *allowlist.Refresher
	ipcSrv    *ipc.Server
	janitor   *Janitor
	log       zerolog.Logger
}

// New constructs a fully wired Agent.
func New(cfg *config.Config, store storage.Store, log zerolog.Logger) (*Agent, error) {
	settings, err := ensureSettings(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("initialize settings: %w", err)
	}

	ev := events.NewLogger(store, log)
	engine := crisis.New(store, log, crisis.Options{})
	tracker := status.NewTracker(store, log)
	q := queue.New(store, ev, cfg.QueueMaxItems, log)

	bridgeClient := bridge.NewClient(bridge.ClientConfig{
		BaseURL: cfg.BridgeURL,
		Timeout: cfg.BridgeTimeout,
	}, log)

	monitor := idle.NewMonitor(bridgeClient, settings.IdleThresholdSeconds, cfg.IdlePollInterval, log)

	uploadClient := uploader.NewClient(uploader.ClientConfig{
		URL:     cfg.UploadURL,
		Token:   cfg.UploadToken,
		Timeout: cfg.UploadTimeout,
	}, log)

	sync := uploader.New(uploader.Config{
		DeviceID:      settings.DeviceID,
		DrainInterval: cfg.DrainInterval,
		BatchSize:     cfg.UploadBatchSize,
		MaxAttempts:   cfg.UploadMaxAttempts,
		RetryBase:     cfg.UploadRetryBase,
		RateWindow:    cfg.RateLimitWindow,
		RateMax:       cfg.RateLimitMaxCalls,
	}, uploadClient, q, ev, tracker, store, log)

	sched := scheduler.New(cfg.CaptureInterval, bridgeClient, engine, monitor,
		q, ev, tracker, store, cfg.DecoyModeEnabled, log)

	refresher := allowlist.New(cfg.AllowlistRefreshURL, cfg.AllowlistRefreshInterval, engine, ev, log)

	ipcSrv := ipc.NewServer(ipc.Config{
		Addr:    cfg.IPCAddr,
		Token:   cfg.IPCToken,
		Queue:   q,
		Events:  ev,
		Tracker: tracker,
		Sync:    sync,
		Monitor: monitor,
		Engine:  engine,
		Store:   store,
	}, log)

	janitor := NewJanitor(store, cfg.JanitorInterval, cfg.RateLimitWindow, log)

	return &Agent{
		cfg:       cfg,
		store:     store,
		bridge:    bridgeClient,
		engine:    engine,
		monitor:   monitor,
		events:    ev,
		tracker:   tracker,
		queue:     q,
		sched:     sched,
		sync:      sync,
		refresher: refresher,
		ipcSrv:    ipcSrv,
		janitor:   janitor,
		log:       log,
	}, nil
}

// Run starts all loops and blocks until ctx is cancelled or a fatal error occurs.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().Str("version", BinaryVersion).Msg("agent pipeline starting")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.sched.Run(gctx) })
	g.Go(func() error { return a.sync.Run(gctx) })
	g.Go(func() error { return a.refresher.Run(gctx) })
	g.Go(func() error { return a.janitor.Run(gctx) })
	g.Go(func() error { return a.ipcSrv.Run(gctx) })
	g.Go(func() error { return a.serveHealth(gctx) })

	if a.cfg.MetricsEnabled {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// DrainOnce runs a single synchronizer pass; used by the drain command.
func (a *Agent) DrainOnce(ctx context.Context) int {
	return a.sync.Drain(ctx)
}

// serveMetrics runs the Prometheus HTTP server.
func (a *Agent) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoints.
func (a *Agent) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.bridge.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: bridge unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:              a.cfg.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	a.log.Info().Str("addr", a.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ensureSettings loads persisted settings, seeding defaults and a device
// identity on first run.
func ensureSettings(cfg *config.Config, store storage.Store) (*storage.Settings, error) {
	settings, err := store.GetSettings()
	if err != nil {
		return nil, err
	}
	dirty := false
	if settings == nil {
		settings = &storage.Settings{
			IdleThresholdSeconds: cfg.IdleThresholdSeconds,
			DecoyModeEnabled:     cfg.DecoyModeEnabled,
		}
		dirty = true
	}
	if settings.DeviceID == "" {
		settings.DeviceID = uuid.NewString()
		dirty = true
	}
	if settings.IdleThresholdSeconds == 0 {
		settings.IdleThresholdSeconds = cfg.IdleThresholdSeconds
		dirty = true
	}
	if dirty {
		if err := store.SetSettings(*settings); err != nil {
			return nil, err
		}
	}
	return settings, nil
}
