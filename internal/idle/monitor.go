// Package idle tracks device activity state. Lock is gated identically to
// idle by every consumer: a locked screen must never be captured. Detection
// failure degrades to "active": idle detection is the one fail-open gate,
// because the crisis gate behind it stays fail-safe on its own.
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the current device activity classification.
type State string

const (
	StateActive State = "active"
	StateIdle   State = "idle"
	StateLocked State = "locked"
)

// Threshold bounds in seconds.
const (
	MinThresholdSeconds = 60
	MaxThresholdSeconds = 1800
)

// Sample is one reading from the platform activity source.
type Sample struct {
	IdleFor time.Duration
	Locked  bool
}

// ActivitySource reports the device's current activity. The production source
// polls the browser bridge; tests inject a fake.
type ActivitySource interface {
	Sample(ctx context.Context) (Sample, error)
}

// Monitor polls an ActivitySource and exposes the derived state. State is
// volatile only; after a restart the monitor assumes active until the source
// reports otherwise.
type Monitor struct {
	source       ActivitySource
	pollInterval time.Duration
	log          zerolog.Logger

	mu               sync.Mutex
	state            State
	thresholdSeconds int
	onChange         []func(State)
}

// NewMonitor constructs a Monitor. Out-of-range thresholds are clamped.
func NewMonitor(source ActivitySource, thresholdSeconds int, pollInterval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		source:           source,
		pollInterval:     pollInterval,
		log:              log,
		state:            StateActive,
		thresholdSeconds: clampThreshold(thresholdSeconds),
	}
}

// State returns the current activity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Threshold returns the active idle threshold in seconds.
func (m *Monitor) Threshold() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholdSeconds
}

// SetThreshold updates the idle threshold. Takes effect on the next
// evaluation, never mid-sample.
func (m *Monitor) SetThreshold(seconds int) {
	m.mu.Lock()
	m.thresholdSeconds = clampThreshold(seconds)
	m.mu.Unlock()
}

// OnChange registers a callback invoked on every state transition.
func (m *Monitor) OnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Run polls the source until ctx is cancelled. An evaluation happens
// immediately on start.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.Evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate takes one sample and updates the state. Source errors resolve to
// active.
func (m *Monitor) Evaluate(ctx context.Context) State {
	next := StateActive

	sample, err := m.source.Sample(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("activity source unavailable; assuming active")
	} else {
		m.mu.Lock()
		threshold := time.Duration(m.thresholdSeconds) * time.Second
		m.mu.Unlock()
		switch {
		case sample.Locked:
			next = StateLocked
		case sample.IdleFor >= threshold:
			next = StateIdle
		}
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	callbacks := m.onChange
	m.mu.Unlock()

	if prev != next {
		m.log.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("activity state changed")
		for _, fn := range callbacks {
			fn(next)
		}
	}
	return next
}

func clampThreshold(seconds int) int {
	if seconds < MinThresholdSeconds {
		return MinThresholdSeconds
	}
	if seconds > MaxThresholdSeconds {
		return MaxThresholdSeconds
	}
	return seconds
}
