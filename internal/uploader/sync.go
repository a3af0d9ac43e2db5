package uploader

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/queue"
	"github.com/safewatchhq/safewatch-agent/internal/status"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

const (
	backoffCap   = 5 * time.Minute
	rateEndpoint = "upload"

	// shutdownGrace bounds the final drain pass when the agent stops.
	shutdownGrace = 5 * time.Second
)

// Uploader sends one item and classifies the outcome. *Client implements it;
// tests inject fakes.
type Uploader interface {
	Upload(ctx context.Context, item storage.QueuedItem, deviceID string) (string, error)
}

// Config holds synchronizer parameters.
type Config struct {
	DeviceID      string
	DrainInterval time.Duration
	BatchSize     int
	MaxAttempts   int
	RetryBase     time.Duration
	RateWindow    time.Duration
	RateMax       int
}

// Synchronizer is the single logical drain loop. A second drain never starts
// while one is in flight for the same item set.
type Synchronizer struct {
	cfg     Config
	client  Uploader
	queue   *queue.Queue
	events  *events.Logger
	tracker *status.Tracker
	store   storage.Store
	log     zerolog.Logger

	mu       sync.Mutex
	draining bool
	online   bool
}

// New constructs a Synchronizer.
func New(cfg Config, client Uploader, q *queue.Queue, ev *events.Logger,
	tracker *status.Tracker, store storage.Store, log zerolog.Logger) *Synchronizer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Synchronizer{
		cfg:     cfg,
		client:  client,
		queue:   q,
		events:  ev,
		tracker: tracker,
		store:   store,
		log:     log,
		online:  true, // optimistic until the first network failure
	}
}

// Online reports whether the last upload attempt reached the server.
func (s *Synchronizer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Run drains on a fixed interval until ctx is cancelled, then performs one
// bounded final drain so a clean shutdown does not strand due items.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			s.Drain(shutdownCtx)
			return nil
		case <-ticker.C:
			s.Drain(ctx)
		}
	}
}

// Drain attempts every due item in the next batch. Returns the number of
// confirmed uploads. A no-op if a drain is already in flight.
func (s *Synchronizer) Drain(ctx context.Context) int {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return 0
	}
	s.draining = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	batch, err := s.queue.PeekBatch(s.cfg.BatchSize)
	if err != nil {
		s.log.Warn().Err(err).Msg("peek queue failed")
		return 0
	}

	now := time.Now()
	var uploaded int
	for _, item := range batch {
		if ctx.Err() != nil {
			break
		}
		if item.NextAttemptAt.After(now) {
			continue
		}

		allowed, gateErr := s.store.RateGate(rateEndpoint, s.cfg.RateWindow, s.cfg.RateMax)
		if gateErr != nil {
			s.log.Warn().Err(gateErr).Msg("rate gate failed")
			break
		}
		if !allowed {
			metrics.UploadsTotal.WithLabelValues("rate_limited").Inc()
			break // budget exhausted; the next drain picks these up
		}

		if s.attempt(ctx, item) {
			uploaded++
		}
	}
	return uploaded
}

// attempt uploads one item and applies the retry policy. Returns true on
// confirmed success.
func (s *Synchronizer) attempt(ctx context.Context, item storage.QueuedItem) bool {
	start := time.Now()
	_, err := s.client.Upload(ctx, item, s.cfg.DeviceID)
	elapsed := time.Since(start)

	if err == nil {
		s.setOnline(true)
		if rmErr := s.queue.Remove(item.ID); rmErr != nil {
			s.log.Warn().Err(rmErr).Msg("remove uploaded item failed")
		}
		size, _ := s.queue.Size()
		metrics.UploadsTotal.WithLabelValues("success").Inc()
		s.events.Log(events.Entry{
			Type:      events.TypeUploadSuccess,
			Success:   true,
			Duration:  elapsed,
			QueueSize: size,
		})
		s.tracker.Observe(events.TypeUploadSuccess, true)
		return true
	}

	var perm *ErrPermanent
	if errors.As(err, &perm) {
		// Retrying cannot fix a rejected payload; drop it.
		if rmErr := s.queue.Remove(item.ID); rmErr != nil {
			s.log.Warn().Err(rmErr).Msg("remove rejected item failed")
		}
		metrics.UploadsTotal.WithLabelValues("permanent").Inc()
		metrics.ItemsDropped.WithLabelValues("permanent").Inc()
		s.events.Log(events.Entry{
			Type:      events.TypeUploadFailed,
			Duration:  elapsed,
			ErrorCode: "permanent",
		})
		s.tracker.Observe(events.TypeUploadFailed, false)
		return false
	}

	var trans *ErrTransient
	if errors.As(err, &trans) && trans.Status == 0 {
		s.setOnline(false)
	}

	item.RetryCount++
	if item.RetryCount >= s.cfg.MaxAttempts {
		// Data loss is preferred over unbounded retention of stale data.
		if rmErr := s.queue.Remove(item.ID); rmErr != nil {
			s.log.Warn().Err(rmErr).Msg("remove exhausted item failed")
		}
		metrics.UploadsTotal.WithLabelValues("exhausted").Inc()
		metrics.ItemsDropped.WithLabelValues("retry_exhausted").Inc()
		s.events.Log(events.Entry{
			Type:      events.TypeRetryExhausted,
			Duration:  elapsed,
			ErrorCode: "retry_exhausted",
		})
		s.tracker.Observe(events.TypeRetryExhausted, false)
		return false
	}

	item.NextAttemptAt = time.Now().Add(s.backoff(item.RetryCount - 1))
	if upErr := s.queue.Update(item); upErr != nil {
		s.log.Warn().Err(upErr).Msg("persist retry bookkeeping failed")
	}
	metrics.UploadsTotal.WithLabelValues("transient").Inc()
	s.events.Log(events.Entry{
		Type:      events.TypeUploadFailed,
		Duration:  elapsed,
		ErrorCode: "transient",
	})
	s.tracker.Observe(events.TypeUploadFailed, false)
	return false
}

// backoff computes exponential backoff with a max cap.
func (s *Synchronizer) backoff(retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(s.cfg.RetryBase) * multiplier)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (s *Synchronizer) setOnline(online bool) {
	s.mu.Lock()
	if s.online != online {
		if online {
			s.log.Info().Msg("upload endpoint reachable again")
		} else {
			s.log.Warn().Msg("upload endpoint unreachable; queueing offline")
		}
	}
	s.online = online
	s.mu.Unlock()
}
