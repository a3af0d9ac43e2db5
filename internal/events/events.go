// Package events is the privacy-filtered operational log. The record schema
// (storage.EventRecord) has no field capable of holding a URL, title, or
// payload, so the privacy invariant is structural rather than a runtime
// filter. Writes must never crash the capture pipeline: storage failures
// degrade to a counted no-op.
package events

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

// Event types. Outcome events (capture_*/upload_*/retry_exhausted) feed the
// status indicator; the rest are informational only.
const (
	TypeIdlePause        = "idle_pause"
	TypeSkippedProtected = "capture_skipped_protected"
	TypeCaptureDecoy     = "capture_decoy"
	TypeCaptureSuccess   = "capture_success"
	TypeCaptureFailed    = "capture_failed"
	TypeUploadSuccess    = "upload_success"
	TypeUploadFailed     = "upload_failed"
	TypeRetryExhausted   = "retry_exhausted"
	TypeQueueOverflow    = "queue_overflow"
	TypeAllowlistRefresh = "allowlist_refreshed"
)

// Retention policy: whichever limit triggers first wins. Pruning runs
// opportunistically before each append and on process start.
const (
	RetentionWindow = 7 * 24 * time.Hour
	MaxEntries      = 1000
)

// Entry is the caller-facing shape of a loggable transition.
type Entry struct {
	Type      string
	Success   bool
	Duration  time.Duration
	QueueSize int
	ErrorCode string
}

// Logger appends contentless events to the store.
type Logger struct {
	store storage.Store
	log   zerolog.Logger
}

// NewLogger builds a Logger and runs the startup prune pass.
func NewLogger(store storage.Store, log zerolog.Logger) *Logger {
	l := &Logger{store: store, log: log}
	l.prune(MaxEntries)
	return l
}

// Log appends an event, pruning first. The pre-append prune leaves room for
// the entry being written so the log never exceeds MaxEntries. Never returns
// an error: a failed write is counted and dropped so the capture pipeline
// cannot be taken down by a sick event log.
func (l *Logger) Log(e Entry) {
	l.prune(MaxEntries - 1)

	rec := storage.EventRecord{
		ID:         ulid.Make().String(),
		Timestamp:  time.Now().UTC(),
		Type:       e.Type,
		Success:    e.Success,
		DurationMs: e.Duration.Milliseconds(),
		QueueSize:  e.QueueSize,
		ErrorCode:  e.ErrorCode,
	}
	if err := l.store.EventAppend(rec); err != nil {
		metrics.EventsDropped.Inc()
		l.log.Warn().Err(err).Str("type", e.Type).Msg("event append failed; dropping event")
		return
	}
	if n, err := l.store.EventCount(); err == nil {
		metrics.EventLogSize.Set(float64(n))
	}
}

// List returns up to limit events, newest first, optionally filtered by type.
// limit <= 0 returns all retained events.
func (l *Logger) List(types []string, limit int) ([]storage.EventRecord, error) {
	// Over-fetch when filtering, then trim.
	fetch := limit
	if len(types) > 0 {
		fetch = 0
	}
	all, err := l.store.EventList(fetch)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return all, nil
	}
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	filtered := make([]storage.EventRecord, 0, len(all))
	for _, ev := range all {
		if _, ok := want[ev.Type]; !ok {
			continue
		}
		filtered = append(filtered, ev)
		if limit > 0 && len(filtered) >= limit {
			break
		}
	}
	return filtered, nil
}

// Count returns the retained event count.
func (l *Logger) Count() (int, error) {
	return l.store.EventCount()
}

// Clear removes all retained events.
func (l *Logger) Clear() error {
	if err := l.store.EventClear(); err != nil {
		return err
	}
	metrics.EventLogSize.Set(0)
	return nil
}

func (l *Logger) prune(keep int) {
	if _, err := l.store.EventPrune(RetentionWindow, keep); err != nil {
		l.log.Warn().Err(err).Msg("event prune failed")
	}
}
