// Package status derives the "needs attention" health signal from capture and
// upload outcomes. Idle, skip, and decoy transitions are deliberately ignored
// so routine gating can neither trip nor clear the badge.
package status

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

const (
	failThreshold  = 3 // consecutive failures that set the badge
	clearThreshold = 5 // consecutive successes that clear it
)

// Tracker maintains outcome streaks and persists the badge so the companion
// UI sees it across restarts.
type Tracker struct {
	store storage.Store
	log   zerolog.Logger

	mu         sync.Mutex
	failStreak int
	okStreak   int
	active     bool
}

// NewTracker restores the persisted badge state.
func NewTracker(store storage.Store, log zerolog.Logger) *Tracker {
	t := &Tracker{store: store, log: log}
	if s, err := store.GetSettings(); err == nil && s != nil {
		t.active = s.ErrorBadgeActive
	}
	if t.active {
		metrics.NeedsAttention.Set(1)
	}
	return t
}

// Observe feeds one event into the streak counters. Non-outcome event types
// are ignored.
func (t *Tracker) Observe(eventType string, success bool) {
	switch eventType {
	case events.TypeCaptureSuccess, events.TypeCaptureFailed,
		events.TypeUploadSuccess, events.TypeUploadFailed,
		events.TypeRetryExhausted:
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if success {
		t.okStreak++
		t.failStreak = 0
		if t.active && t.okStreak >= clearThreshold {
			t.setActive(false)
		}
		return
	}

	t.failStreak++
	t.okStreak = 0
	if !t.active && t.failStreak >= failThreshold {
		t.setActive(true)
	}
}

// NeedsAttention reports the current badge state.
func (t *Tracker) NeedsAttention() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// setActive flips the badge and persists it. Caller holds t.mu.
func (t *Tracker) setActive(active bool) {
	t.active = active
	if active {
		metrics.NeedsAttention.Set(1)
		t.log.Warn().Msg("status: needs attention set")
	} else {
		metrics.NeedsAttention.Set(0)
		t.log.Info().Msg("status: needs attention cleared")
	}

	err := t.store.UpdateSettings(func(s *storage.Settings) {
		s.ErrorBadgeActive = active
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("status: persist badge failed")
	}
}
