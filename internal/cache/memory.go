package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Memory is the in-process cache backend: a TTL map with a tag index,
// swept by a background janitor.
type Memory struct {
	cfg    Config
	logger *logrus.Logger

	mu        sync.Mutex
	entries   map[string]*memEntry
	tags      map[string]map[string]struct{}
	hits      int64
	misses    int64
	evictions int64

	janitor *time.Ticker
	stop    chan struct{}
	stopped bool

	now func() time.Time
}

type memEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// NewMemory builds the in-memory backend and starts its janitor.
func NewMemory(cfg Config, logger *logrus.Logger) *Memory {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	m := &Memory{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*memEntry),
		tags:    make(map[string]map[string]struct{}),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	m.janitor = time.NewTicker(cfg.CleanupInterval)
	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.sweep()
			case <-m.stop:
				return
			}
		}
	}()

	return m
}

// Get returns the entry for key, or reports a miss. Expired entries are
// removed on access rather than waiting for the janitor.
func (m *Memory) Get(ctx context.Context, key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	if m.now().After(me.expiresAt) {
		m.removeLocked(key)
		m.evictions++
		m.misses++
		return nil, false
	}

	m.hits++
	return me.entry, true
}

// Set stores an entry under key. A non-positive ttl falls back to the
// configured default. When the entry cap is reached the entry closest to
// expiry is evicted to make room.
func (m *Memory) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; exists {
		// Drop the old tag index references before re-adding.
		m.removeLocked(key)
	} else if m.cfg.MaxEntries > 0 && len(m.entries) >= m.cfg.MaxEntries {
		m.evictNextExpiringLocked()
	}

	m.entries[key] = &memEntry{
		entry:     entry,
		expiresAt: m.now().Add(ttl),
	}
	for _, tag := range entry.Tags {
		set, ok := m.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			m.tags[tag] = set
		}
		set[key] = struct{}{}
	}
	return nil
}

// InvalidateTag removes every entry carrying the tag and returns how many
// were removed.
func (m *Memory) InvalidateTag(ctx context.Context, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.tags[tag]
	if !ok {
		return 0, nil
	}
	removed := 0
	for key := range set {
		if _, exists := m.entries[key]; exists {
			m.removeLocked(key)
			removed++
		}
	}
	delete(m.tags, tag)
	return removed, nil
}

// InvalidatePattern removes every entry whose key matches the glob
// pattern and returns how many were removed.
func (m *Memory) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return removed, err
		}
		if matched {
			m.removeLocked(key)
			removed++
		}
	}
	return removed, nil
}

// Stats returns a snapshot of the cache counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Entries:   len(m.entries),
		Evictions: m.evictions,
	}
}

// Close stops the janitor. Safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	m.janitor.Stop()
	close(m.stop)
	return nil
}

// sweep drops every expired entry in one pass.
func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, me := range m.entries {
		if now.After(me.expiresAt) {
			m.removeLocked(key)
			m.evictions++
			removed++
		}
	}
	if removed > 0 {
		m.logger.WithField("removed_entries", removed).Debug("Cache cleanup completed")
	}
}

// removeLocked drops one entry and its tag index references. Caller holds mu.
func (m *Memory) removeLocked(key string) {
	me, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	for _, tag := range me.entry.Tags {
		if set, ok := m.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.tags, tag)
			}
		}
	}
}

// evictNextExpiringLocked frees one slot by removing the entry closest to
// expiry. Caller holds mu.
func (m *Memory) evictNextExpiringLocked() {
	var victim string
	var earliest time.Time
	for key, me := range m.entries {
		if victim == "" || me.expiresAt.Before(earliest) {
			victim = key
			earliest = me.expiresAt
		}
	}
	if victim != "" {
		m.removeLocked(victim)
		m.evictions++
	}
}

var _ Cache = (*Memory)(nil)
