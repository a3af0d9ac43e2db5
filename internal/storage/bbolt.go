package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketQueue     = "queue"
	bucketEvents    = "events"
	bucketSettings  = "settings"
	bucketAllowlist = "allowlist"
	bucketRate      = "rate"

	keySettings  = "agent"
	keyAllowlist = "snapshot"
)

type bboltStore struct {
	db *bolt.DB
	mu sync.Mutex // guards rate bucket sliding-window writes
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/agent.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "agent.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketQueue, bucketEvents, bucketSettings, bucketAllowlist, bucketRate} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Durable queue ---------------------------------------------------------

func (s *bboltStore) QueueAppend(item QueuedItem) error {
	data, err := msgpack.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal QueuedItem: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueue)).Put([]byte(item.ID), data)
	})
}

// QueuePeek returns up to n items in capture order. ULID keys make bbolt's
// byte order the insertion order.
func (s *bboltStore) QueuePeek(n int) ([]QueuedItem, error) {
	var items []QueuedItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketQueue)).Cursor()
		for k, v := c.First(); k != nil && len(items) < n; k, v = c.Next() {
			var item QueuedItem
			if err := msgpack.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal QueuedItem %s: %w", k, err)
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (s *bboltStore) QueueUpdate(item QueuedItem) error {
	data, err := msgpack.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal QueuedItem: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketQueue))
		if b.Get([]byte(item.ID)) == nil {
			return fmt.Errorf("queue item %s not found", item.ID)
		}
		return b.Put([]byte(item.ID), data)
	})
}

func (s *bboltStore) QueueRemove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueue)).Delete([]byte(id))
	})
}

func (s *bboltStore) QueueSize() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketQueue)).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *bboltStore) QueueEvictOldest(n int) (int, error) {
	var evicted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketQueue)).Cursor()
		for k, _ := c.First(); k != nil && evicted < n; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			evicted++
		}
		return nil
	})
	return evicted, err
}

// ---- Event log -------------------------------------------------------------

func (s *bboltStore) EventAppend(ev EventRecord) error {
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal EventRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).Put([]byte(ev.ID), data)
	})
}

// EventList returns up to limit events, newest first. limit <= 0 means all.
func (s *bboltStore) EventList(limit int) ([]EventRecord, error) {
	var events []EventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketEvents)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev EventRecord
			if err := msgpack.Unmarshal(v, &ev); err != nil {
				continue // skip corrupt entries
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

func (s *bboltStore) EventCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketEvents)).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *bboltStore) EventClear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketEvents)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketEvents))
		return err
	})
}

// EventPrune removes entries older than maxAge, then trims the oldest entries
// until at most maxCount remain.
func (s *bboltStore) EventPrune(maxAge time.Duration, maxCount int) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))

		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var ev EventRecord
			if err := msgpack.Unmarshal(v, &ev); err != nil {
				// Corrupt entries are pruned too
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
				return nil
			}
			if ev.Timestamp.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}

		// Count cap: delete oldest first (cursor order is chronological)
		if maxCount > 0 {
			remaining := 0
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				remaining++
			}
			excess := remaining - maxCount
			for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
				excess--
			}
		}
		return nil
	})
	return pruned, err
}

// ---- Settings --------------------------------------------------------------

func (s *bboltStore) GetSettings() (*Settings, error) {
	var rec Settings
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSettings)).Get([]byte(keySettings))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) SetSettings(rec Settings) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSettings)).Put([]byte(keySettings), data)
	})
}

// UpdateSettings applies fn to the persisted settings inside a single write
// transaction. A missing record starts from the zero value.
func (s *bboltStore) UpdateSettings(fn func(*Settings)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSettings))
		var rec Settings
		if v := b.Get([]byte(keySettings)); v != nil {
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal settings: %w", err)
			}
		}
		fn(&rec)
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(keySettings), data)
	})
}

// ---- Allowlist snapshot ----------------------------------------------------

func (s *bboltStore) GetAllowlist() (*AllowlistSnapshot, error) {
	var rec AllowlistSnapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketAllowlist)).Get([]byte(keyAllowlist))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) SetAllowlist(snap AllowlistSnapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketAllowlist)).Put([]byte(keyAllowlist), data)
	})
}

// ---- RateGate --------------------------------------------------------------

// RateGate implements a sliding-window rate limit backed by bbolt.
// The rate bucket stores a []int64 of Unix nanosecond timestamps per endpoint.
// Returns allowed=true and appends the current timestamp if within budget.
func (s *bboltStore) RateGate(endpoint string, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return true, nil // unlimited
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var allowed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		key := []byte(endpoint)
		cutoff := time.Now().Add(-window).UnixNano()
		now := time.Now().UnixNano()

		var timestamps []int64
		if raw := b.Get(key); raw != nil {
			if err := msgpack.Unmarshal(raw, &timestamps); err != nil {
				return fmt.Errorf("unmarshal rate timestamps: %w", err)
			}
		}

		// Prune entries outside window
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts >= cutoff {
				pruned = append(pruned, ts)
			}
		}

		if len(pruned) >= max {
			allowed = false
			// Still save pruned slice to keep bucket tidy
			data, err := msgpack.Marshal(pruned)
			if err != nil {
				return err
			}
			return b.Put(key, data)
		}

		allowed = true
		pruned = append(pruned, now)
		data, err := msgpack.Marshal(pruned)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return allowed, err
}

func (s *bboltStore) PruneRateEntries(window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))

		// Collect first; mutating a bucket during ForEach is not allowed.
		updates := make(map[string][]int64)
		if err := b.ForEach(func(k, v []byte) error {
			var timestamps []int64
			if err := msgpack.Unmarshal(v, &timestamps); err != nil {
				return nil
			}
			filtered := make([]int64, 0, len(timestamps))
			for _, ts := range timestamps {
				if ts >= cutoff {
					filtered = append(filtered, ts)
				}
			}
			pruned += len(timestamps) - len(filtered)
			updates[string(k)] = filtered
			return nil
		}); err != nil {
			return err
		}

		for k, filtered := range updates {
			if len(filtered) == 0 {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			data, err := msgpack.Marshal(filtered)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
