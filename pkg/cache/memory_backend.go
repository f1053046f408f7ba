package cache

import (
	"context"
	"sync"
	"time"

	"github.com/vllm-project/admission-router/pkg/observability/metrics"
)

const sweepInterval = time.Minute

// MemoryBackend is the in-process cache tier. All operations run under one
// mutex, which makes Increment atomic with respect to concurrent goroutines.
// Expired entries read as absent immediately; a background sweeper reclaims
// their memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	closed  bool

	maxEntries int
	policy     EvictionPolicy
	policyName string

	evictions uint64
	expired   uint64

	now func() time.Time

	// done channel for the sweeper goroutine
	done      chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	value    []byte
	number   float64
	isNumber bool

	storedAt     time.Time
	lastAccessAt time.Time
	hitCount     int64
	expiresAt    time.Time // zero means no expiry
}

func (e *memoryEntry) expiredAt(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (e *memoryEntry) bytes() []byte {
	if e.isNumber {
		return FormatCounter(e.number)
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out
}

// NewMemoryBackend creates the in-process backend. The eviction policy is
// only consulted when MaxEntries is positive.
func NewMemoryBackend(config MemoryBackendConfig) (*MemoryBackend, error) {
	policy, err := NewEvictionPolicy(config.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	policyName := config.EvictionPolicy
	if policyName == "" {
		policyName = "fifo"
	}

	backend := &MemoryBackend{
		entries:    make(map[string]*memoryEntry),
		maxEntries: config.MaxEntries,
		policy:     policy,
		policyName: policyName,
		now:        time.Now,
		done:       make(chan struct{}),
	}

	go backend.sweepExpired()

	return backend, nil
}

// Kind reports the backend type.
func (m *MemoryBackend) Kind() BackendKind {
	return MemoryBackendKind
}

// CheckConnection verifies the backend is usable.
func (m *MemoryBackend) CheckConnection(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the sweeper and releases the entry map.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]*memoryEntry)
	return nil
}

// Get retrieves the value for a key.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	return entry.bytes(), nil
}

// lookup returns the live entry for key, dropping it when expired.
// Callers must hold the mutex.
func (m *MemoryBackend) lookup(key string) (*memoryEntry, error) {
	if m.closed {
		return nil, ErrClosed
	}

	entry, exists := m.entries[key]
	if !exists {
		return nil, ErrNotFound
	}

	now := m.now()
	if entry.expiredAt(now) {
		delete(m.entries, key)
		m.expired++
		return nil, ErrNotFound
	}

	entry.lastAccessAt = now
	entry.hitCount++
	return entry, nil
}

// Set stores a value under a key.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	now := m.now()
	m.makeRoom(key, now)

	stored := make([]byte, len(value))
	copy(stored, value)

	entry := &memoryEntry{
		value:        stored,
		storedAt:     now,
		lastAccessAt: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Increment atomically adds delta to the counter at key.
func (m *MemoryBackend) Increment(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	now := m.now()
	entry, exists := m.entries[key]
	if exists && entry.expiredAt(now) {
		delete(m.entries, key)
		m.expired++
		exists = false
	}

	if !exists {
		m.makeRoom(key, now)
		entry = &memoryEntry{
			number:       delta,
			isNumber:     true,
			storedAt:     now,
			lastAccessAt: now,
		}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
		m.entries[key] = entry
		return entry.number, nil
	}

	if !entry.isNumber {
		parsed, err := ParseCounter(entry.value)
		if err != nil {
			return 0, err
		}
		entry.number = parsed
		entry.isNumber = true
		entry.value = nil
	}

	entry.number += delta
	entry.lastAccessAt = now
	entry.hitCount++
	// Mirror Redis EXPIRE NX: an existing window keeps its deadline.
	if entry.expiresAt.IsZero() && ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	return entry.number, nil
}

// BatchGet retrieves several keys under one lock acquisition.
func (m *MemoryBackend) BatchGet(_ context.Context, keys []string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	results := make([][]byte, len(keys))
	for i, key := range keys {
		entry, err := m.lookup(key)
		if err != nil {
			continue
		}
		results[i] = entry.bytes()
	}
	return results, nil
}

// makeRoom evicts one victim when inserting key would exceed capacity.
// Callers must hold the mutex.
func (m *MemoryBackend) makeRoom(key string, now time.Time) {
	if m.maxEntries <= 0 || len(m.entries) < m.maxEntries {
		return
	}
	if _, exists := m.entries[key]; exists {
		return
	}

	// Drop expired entries first; eviction is the fallback.
	for k, e := range m.entries {
		if e.expiredAt(now) {
			delete(m.entries, k)
			m.expired++
		}
	}
	if len(m.entries) < m.maxEntries {
		return
	}

	snapshot := make([]CacheEntry, 0, len(m.entries))
	for k, e := range m.entries {
		snapshot = append(snapshot, CacheEntry{
			Key:          k,
			StoredAt:     e.storedAt,
			LastAccessAt: e.lastAccessAt,
			HitCount:     e.hitCount,
		})
	}

	victim := m.policy.SelectVictim(snapshot)
	if victim < 0 {
		return
	}
	delete(m.entries, snapshot[victim].Key)
	m.evictions++
	metrics.RecordLocalCacheEviction(m.policyName)
}

// sweepExpired reclaims memory held by expired entries.
func (m *MemoryBackend) sweepExpired() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			now := m.now()
			for key, entry := range m.entries {
				if entry.expiredAt(now) {
					delete(m.entries, key)
					m.expired++
				}
			}
			m.mu.Unlock()
		}
	}
}

// EntryCount returns the current number of live entries.
func (m *MemoryBackend) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Evictions returns the number of capacity evictions so far.
func (m *MemoryBackend) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}
