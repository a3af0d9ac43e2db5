// Package queue is the restart-durable store of pending capture items.
// Items are opaque: the queue reads only the metadata needed for retry
// bookkeeping, never payload content.
package queue

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/safewatchhq/safewatch-agent/internal/events"
	"github.com/safewatchhq/safewatch-agent/internal/metrics"
	"github.com/safewatchhq/safewatch-agent/internal/storage"
)

// Queue enforces a maximum size with oldest-first eviction: a bounded
// resource, not unbounded growth.
type Queue struct {
	store    storage.Store
	events   *events.Logger
	maxItems int
	log      zerolog.Logger
}

// New constructs a Queue over the given store.
func New(store storage.Store, ev *events.Logger, maxItems int, log zerolog.Logger) *Queue {
	if maxItems < 1 {
		maxItems = 500
	}
	return &Queue{store: store, events: ev, maxItems: maxItems, log: log}
}

// NewItem builds a QueuedItem ready for enqueue. ULID IDs make bbolt key
// order the capture order.
func NewItem(payload []byte, contentType string, isDecoy bool) storage.QueuedItem {
	return storage.QueuedItem{
		ID:          ulid.Make().String(),
		CapturedAt:  time.Now().UTC(),
		Payload:     payload,
		ContentType: contentType,
		IsDecoy:     isDecoy,
	}
}

// Enqueue appends an item, evicting the oldest entries first when the queue
// is full. Eviction is logged as queue_overflow; new captures are never
// blocked by a full queue.
func (q *Queue) Enqueue(item storage.QueuedItem) error {
	size, err := q.store.QueueSize()
	if err != nil {
		return fmt.Errorf("queue size: %w", err)
	}
	if size >= q.maxItems {
		evicted, evErr := q.store.QueueEvictOldest(size - q.maxItems + 1)
		if evErr != nil {
			return fmt.Errorf("evict oldest: %w", evErr)
		}
		metrics.ItemsDropped.WithLabelValues("overflow").Add(float64(evicted))
		q.log.Warn().Int("evicted", evicted).Int("max", q.maxItems).Msg("queue overflow: evicted oldest items")
		q.events.Log(events.Entry{Type: events.TypeQueueOverflow, QueueSize: q.maxItems})
	}

	if err := q.store.QueueAppend(item); err != nil {
		return fmt.Errorf("queue append: %w", err)
	}

	kind := "capture"
	if item.IsDecoy {
		kind = "decoy"
	}
	metrics.ItemsEnqueued.WithLabelValues(kind).Inc()
	if n, err := q.store.QueueSize(); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	return nil
}

// PeekBatch returns up to n items in capture order without removing them.
func (q *Queue) PeekBatch(n int) ([]storage.QueuedItem, error) {
	return q.store.QueuePeek(n)
}

// Update persists retry bookkeeping for an existing item.
func (q *Queue) Update(item storage.QueuedItem) error {
	return q.store.QueueUpdate(item)
}

// Remove deletes an item, typically after confirmed upload.
func (q *Queue) Remove(id string) error {
	if err := q.store.QueueRemove(id); err != nil {
		return err
	}
	if n, err := q.store.QueueSize(); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
	return nil
}

// Size returns the current item count.
func (q *Queue) Size() (int, error) {
	return q.store.QueueSize()
}
