package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

// Janitor performs periodic housekeeping: pruning the event log and rate
// entries, refreshing size gauges.
type Janitor struct {
	store      storage.Store
	interval   time.Duration
	rateWindow time.Duration
	log        zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store storage.Store, interval, rateWindow time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:      store,
		interval:   interval,
		rateWindow: rateWindow,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	pruned, err := j.store.EventPrune(events.RetentionWindow, events.MaxEntries)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: event prune failed")
	} else if pruned > 0 {
		j.log.Info().Int("count", pruned).Msg("janitor: pruned events")
	}

	if _, err := j.store.PruneRateEntries(j.rateWindow); err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune rate entries failed")
	}

	if size, err := j.store.SizeBytes(); err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if n, err := j.store.QueueSize(); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	if n, err := j.store.EventCount(); err == nil {
		metrics.EventLogSize.Set(float64(n))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
