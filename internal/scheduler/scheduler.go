// Package scheduler drives the periodic capture cycle. Each tick runs the
// gates in strict order (idle first, then crisis) and only a tick that
// clears both produces a capture. Errors at any gate resolve to skip, never
// to proceeding past a failed check.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/bridge"
	"github.com/safewatchhq/safewatch-agent/internal/crisis"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/idle"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/queue"
	"github.com/safewatchhq/safewatch-agent/internal/status"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

// Source provides the current URL (cheap, pre-gate) and the full snapshot
// (only fetched after the crisis gate clears).
type Source interface {
	CurrentURL(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (*bridge.Snapshot, error)
}

// Scheduler fires capture attempts on a fixed period, independent of how long
// any individual capture takes.
type Scheduler struct {
	interval     time.Duration
	source       Source
	engine       *crisis.Engine
	monitor      *idle.Monitor
	queue        *queue.Queue
	events       *events.Logger
	tracker      *status.Tracker
	store        storage.Store
	defaultDecoy bool
	log          zerolog.Logger
}

// New constructs a Scheduler.
func New(interval time.Duration, source Source, engine *crisis.Engine, monitor *idle.Monitor,
	q *queue.Queue, ev *events.Logger, tracker *status.Tracker, store storage.Store,
	defaultDecoy bool, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval:     interval,
		source:       source,
		engine:       engine,
		monitor:      monitor,
		queue:        q,
		events:       ev,
		tracker:      tracker,
		store:        store,
		defaultDecoy: defaultDecoy,
		log:          log,
	}
}

// Run executes the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one capture attempt: idle gate, crisis gate, then capture or
// decoy. Exported so tests and the drain command can drive it synchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	// Gate 1: idle/lock. Locked gates identically to idle.
	if state := s.monitor.State(); state != idle.StateActive {
		metrics.GateDecisions.WithLabelValues("idle", string(state)).Inc()
		metrics.TicksTotal.WithLabelValues("idle_pause").Inc()
		s.events.Log(events.Entry{Type: events.TypeIdlePause})
		return
	}
	metrics.GateDecisions.WithLabelValues("idle", "active").Inc()

	// Gate 2: crisis protection. The URL fetch is the only pre-gate call; a
	// failure here resolves to skip, and the URL itself goes nowhere but into
	// the synchronous check.
	url, err := s.source.CurrentURL(ctx)
	if err != nil {
		s.failTick(time.Duration(0), "bridge_unreachable")
		return
	}

	if s.engine.IsURLProtected(url) {
		metrics.GateDecisions.WithLabelValues("crisis", "protected").Inc()
		s.suppressCapture()
		// Nothing derived from the real URL survives past this point.
		return
	}
	metrics.GateDecisions.WithLabelValues("crisis", "clear").Inc()

	// Capture
	start := time.Now()
	snap, err := s.source.Snapshot(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.failTick(elapsed, "capture_error")
		return
	}

	// The snapshot is a second bridge round-trip: the user may have navigated
	// to a protected page between the pre-gate URL check and the capture. The
	// snapshot carries the URL its pixels belong to; re-run the gate against
	// it so a late navigation can never enqueue protected content.
	if s.engine.IsURLProtected(snap.URL) {
		metrics.GateDecisions.WithLabelValues("crisis", "protected_late").Inc()
		s.suppressCapture()
		return
	}

	if len(snap.Payload) == 0 {
		s.failTick(elapsed, "empty_payload")
		return
	}

	item := queue.NewItem(snap.Payload, snap.ContentType, false)
	if err := s.queue.Enqueue(item); err != nil {
		s.log.Warn().Err(err).Msg("enqueue capture failed")
		s.failTick(elapsed, "queue_error")
		return
	}

	size, _ := s.queue.Size()
	metrics.TicksTotal.WithLabelValues("capture_success").Inc()
	s.events.Log(events.Entry{
		Type:      events.TypeCaptureSuccess,
		Success:   true,
		Duration:  elapsed,
		QueueSize: size,
	})
	s.tracker.Observe(events.TypeCaptureSuccess, true)
}

// failTick records a failed capture attempt. No retry: the next tick tries
// again naturally.
func (s *Scheduler) failTick(elapsed time.Duration, code string) {
	metrics.TicksTotal.WithLabelValues("capture_failed").Inc()
	s.events.Log(events.Entry{
		Type:      events.TypeCaptureFailed,
		Duration:  elapsed,
		ErrorCode: code,
	})
	s.tracker.Observe(events.TypeCaptureFailed, false)
}

// suppressCapture resolves a protected hit: decoy when enabled, otherwise a
// plain skip event.
func (s *Scheduler) suppressCapture() {
	if s.decoyEnabled() {
		s.enqueueDecoy()
		return
	}
	metrics.TicksTotal.WithLabelValues("skipped_protected").Inc()
	s.events.Log(events.Entry{Type: events.TypeSkippedProtected})
}

// enqueueDecoy queues the fixed decoy payload in place of a suppressed
// capture. A decoy enqueue failure degrades to a plain skip.
func (s *Scheduler) enqueueDecoy() {
	item := createDecoyCapture()
	if err := s.queue.Enqueue(item); err != nil {
		s.log.Warn().Err(err).Msg("enqueue decoy failed")
		metrics.TicksTotal.WithLabelValues("skipped_protected").Inc()
		s.events.Log(events.Entry{Type: events.TypeSkippedProtected})
		return
	}
	size, _ := s.queue.Size()
	metrics.TicksTotal.WithLabelValues("decoy").Inc()
	s.events.Log(events.Entry{Type: events.TypeCaptureDecoy, QueueSize: size})
}

// decoyEnabled reads the persisted setting, falling back to the configured
// default. Settings changes take effect on the next tick only.
func (s *Scheduler) decoyEnabled() bool {
	settings, err := s.store.GetSettings()
	if err != nil || settings == nil {
		return s.defaultDecoy
	}
	return settings.DecoyModeEnabled
}
