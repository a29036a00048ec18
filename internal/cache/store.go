// Package cache provides the bounded in-memory store backing the RPC access
// layer. Entries carry a per-entry TTL and the store enforces a global byte
// ceiling with least-frequently-used eviction.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when a value cannot be serialized for sizing
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrCapacityExceeded is returned when an entry cannot fit the configured
	// byte ceiling even after evicting everything else. This indicates a
	// misconfigured ceiling and is validated at startup, not expected at runtime.
	ErrCapacityExceeded = errors.New("cache: capacity exceeded")
)

// entryOverhead approximates the bookkeeping cost of one entry beyond its
// serialized value.
const entryOverhead = 64

// WriteListener observes successful writes to the store. The active instance
// uses it to replicate mutations to the standby.
type WriteListener func(key string, value interface{}, expiresAt time.Time)

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	ItemCount int    `json:"item_count"`
	BytesUsed int64  `json:"bytes_used"`
	MaxBytes  int64  `json:"max_bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// HitRate returns the fraction of lookups served from the store.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key         string
	value       interface{}
	createdAt   time.Time
	expiresAt   time.Time
	accessCount uint64
	sizeBytes   int64
}

// Config holds store configuration.
type Config struct {
	// MaxBytes is the global RAM ceiling. Required.
	MaxBytes int64

	// MaxEntries optionally bounds the item count (0 = unbounded).
	MaxEntries int

	// Clock overrides time.Now, used by tests.
	Clock func() time.Time
}

// Store is a bounded TTL+LFU key/value store. All operations are synchronous
// in-memory updates; a single mutex keeps them atomic under concurrent use.
type Store struct {
	mu         sync.Mutex
	maxBytes   int64
	maxEntries int
	entries    map[string]*entry
	bytesUsed  int64
	now        func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	onWrite WriteListener
}

// NewStore creates a new store. MaxBytes must be positive.
func NewStore(cfg Config) (*Store, error) {
	if cfg.MaxBytes <= 0 {
		return nil, errors.New("cache: max bytes must be positive")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Store{
		maxBytes:   cfg.MaxBytes,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*entry),
		now:        now,
	}, nil
}

// SetWriteListener registers a listener invoked after every successful write.
// Only one listener is supported; the synchronizer owns it on the active node.
func (s *Store) SetWriteListener(fn WriteListener) {
	s.mu.Lock()
	s.onWrite = fn
	s.mu.Unlock()
}

// Get returns the value for key, or ErrNotFound if absent or expired.
// Expired entries are purged lazily on access. A hit increments the entry's
// access count.
func (s *Store) Get(ctx context.Context, key string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		s.removeLocked(e)
		s.expired++
		s.misses++
		return nil, ErrNotFound
	}

	e.accessCount++
	s.hits++
	return e.value, nil
}

// Set stores value under key with the given TTL. If admitting the entry would
// exceed the byte ceiling, lower-frequency entries are evicted first; if no
// amount of eviction can make room, ErrCapacityExceeded is returned, existing
// entries survive and any previous value under key is retained.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return s.SetWithExpiry(ctx, key, value, s.now().Add(ttl))
}

// SetWithExpiry stores value under key with an absolute expiry. The standby
// synchronizer uses it to preserve the active instance's expires_at.
func (s *Store) SetWithExpiry(ctx context.Context, key string, value interface{}, expiresAt time.Time) error {
	size, err := estimateSize(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := s.now()

	if !now.Before(expiresAt) {
		// Already expired; treat as invalidation of any previous value.
		if old, ok := s.entries[key]; ok {
			s.removeLocked(old)
		}
		s.mu.Unlock()
		return nil
	}

	// Replacing an entry frees its bytes before admission is sized.
	old, replacing := s.entries[key]
	if replacing {
		s.removeLocked(old)
	}

	if err := s.makeRoomLocked(size); err != nil {
		// The rejected write must not cost the previous value.
		if replacing {
			s.entries[key] = old
			s.bytesUsed += old.sizeBytes
		}
		s.mu.Unlock()
		return err
	}

	e := &entry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: expiresAt,
		sizeBytes: size,
	}
	s.entries[key] = e
	s.bytesUsed += size

	fn := s.onWrite
	s.mu.Unlock()

	if fn != nil {
		fn(key, value, expiresAt)
	}
	return nil
}

// Invalidate removes key from the store. Removing an absent key is a no-op.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.removeLocked(e)
	}
	return nil
}

// InvalidatePrefix removes every key starting with prefix and returns the
// number of entries removed. Used when an external event supersedes a whole
// cache region, e.g. a new block for a watched address.
func (s *Store) InvalidatePrefix(ctx context.Context, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ItemCount: len(s.entries),
		BytesUsed: s.bytesUsed,
		MaxBytes:  s.maxBytes,
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Expired:   s.expired,
	}
}

// Len returns the current number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// makeRoomLocked evicts until size fits under the ceiling. Expired entries go
// first, then ascending access count with ties broken by oldest creation time.
func (s *Store) makeRoomLocked(size int64) error {
	if size > s.maxBytes {
		return ErrCapacityExceeded
	}

	if s.bytesUsed+size > s.maxBytes {
		now := s.now()
		for _, e := range s.entries {
			if !now.Before(e.expiresAt) {
				s.removeLocked(e)
				s.expired++
			}
		}
	}

	for s.bytesUsed+size > s.maxBytes || (s.maxEntries > 0 && len(s.entries) >= s.maxEntries) {
		victim := s.victimLocked()
		if victim == nil {
			return ErrCapacityExceeded
		}
		s.removeLocked(victim)
		s.evictions++
	}
	return nil
}

// victimLocked selects the entry with the lowest access count, oldest first
// on ties.
func (s *Store) victimLocked() *entry {
	var victim *entry
	for _, e := range s.entries {
		if victim == nil {
			victim = e
			continue
		}
		if e.accessCount < victim.accessCount ||
			(e.accessCount == victim.accessCount && e.createdAt.Before(victim.createdAt)) {
			victim = e
		}
	}
	return victim
}

func (s *Store) removeLocked(e *entry) {
	if _, ok := s.entries[e.key]; ok {
		delete(s.entries, e.key)
		s.bytesUsed -= e.sizeBytes
	}
}

// estimateSize approximates the serialized footprint of an entry.
func estimateSize(key string, value interface{}) (int64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, ErrInvalidValue
	}
	return int64(len(data) + len(key) + entryOverhead), nil
}

// ValidateCeiling checks at startup that the ceiling can admit an entry of
// maxEntrySize bytes. A ceiling smaller than one maximum-sized entry is the
// fatal misconfiguration the runtime path must never hit.
func ValidateCeiling(maxBytes, maxEntrySize int64) error {
	if maxEntrySize+entryOverhead > maxBytes {
		return ErrCapacityExceeded
	}
	return nil
}
