package storage

import (
	"time"
)

// QueuedItem is a pending capture awaiting upload. The queue never inspects
// Payload; only the retry bookkeeping fields are mutated after enqueue.
type QueuedItem struct {
	ID            string // ULID; lexicographic order is capture order
	CapturedAt    time.Time
	Payload       []byte
	ContentType   string
	IsDecoy       bool
	RetryCount    int
	NextAttemptAt time.Time
}

// EventRecord is a contentless diagnostic event. The schema deliberately has
// no field capable of holding a URL, page title, or payload.
type EventRecord struct {
	ID         string // ULID
	Timestamp  time.Time
	Type       string
	Success    bool
	DurationMs int64
	QueueSize  int
	ErrorCode  string
}

// Settings is the small persisted record the companion UI may read and write.
type Settings struct {
	DeviceID             string
	IdleThresholdSeconds int
	DecoyModeEnabled     bool
	ErrorBadgeActive     bool
}

// AllowlistSnapshot is the persisted copy of the protected-domain list.
type AllowlistSnapshot struct {
	Domains []string
	Version string
	BuiltAt time.Time
}

// Store is the persistence interface for the agent.
type Store interface {
	// Durable queue (oldest-first by ID)
	QueueAppend(item QueuedItem) error
	QueuePeek(n int) ([]QueuedItem, error)
	QueueUpdate(item QueuedItem) error
	QueueRemove(id string) error
	QueueSize() (int, error)
	QueueEvictOldest(n int) (int, error)

	// Event log
	EventAppend(ev EventRecord) error
	EventList(limit int) ([]EventRecord, error)
	EventCount() (int, error)
	EventClear() error
	EventPrune(maxAge time.Duration, maxCount int) (int, error)

	// Settings. Concurrent writers (status tracker, IPC handlers) must use
	// UpdateSettings: it runs the read-modify-write as one transaction, so an
	// interleaving can never drop another writer's field.
	GetSettings() (*Settings, error)
	SetSettings(s Settings) error
	UpdateSettings(fn func(*Settings)) error

	// Allowlist snapshot
	GetAllowlist() (*AllowlistSnapshot, error)
	SetAllowlist(snap AllowlistSnapshot) error

	// RateGate: rolling-window upload budget.
	// Returns allowed=true if within budget; atomically appends timestamp on allowed.
	RateGate(endpoint string, window time.Duration, max int) (bool, error)
	PruneRateEntries(window time.Duration) (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
