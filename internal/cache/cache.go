// Package cache holds per-device runtime state with fetch timestamps.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/devsync/internal/device"
)

// DefaultTTL is the age after which cached state is considered stale.
const DefaultTTL = 30 * time.Second

// Entry is one cached device state with the time it was fetched.
type Entry struct {
	State     device.State
	FetchedAt time.Time
}

// StateCache is a pure cache for device state.
// It does NOT fetch from network - callers must do that.
//
// Each device also carries a generation counter bumped by Invalidate. Writers
// that started their fetch before an invalidation use SetIfGeneration so a
// pre-write read cannot resurrect the entry.
type StateCache struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	generations map[string]uint64
	ttl         time.Duration
	now         func() time.Time
}

// New creates a new state cache.
// Parameters:
//   - ttl: Time-to-live for cache entries (0 = use default 30 seconds)
func New(ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &StateCache{
		entries:     make(map[string]*Entry),
		generations: make(map[string]uint64),
		ttl:         ttl,
		now:         time.Now,
	}
}

// TTL returns the configured time-to-live.
func (c *StateCache) TTL() time.Duration {
	return c.ttl
}

// Get returns cached state regardless of age, or false if nothing is cached.
func (c *StateCache) Get(id string) (device.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.entries[id]
	if !ok {
		return device.State{}, false
	}
	return cached.State, true
}

// Entry returns the cached entry including its timestamp.
func (c *StateCache) Entry(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *cached, true
}

// IsStale returns true if the entry doesn't exist or is at least ttl old.
func (c *StateCache) IsStale(id string, ttl time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.entries[id]
	if !ok {
		return true
	}
	return c.now().Sub(cached.FetchedAt) >= ttl
}

// Fresh is IsStale negated, using the cache's own TTL.
func (c *StateCache) Fresh(id string) bool {
	return !c.IsStale(id, c.ttl)
}

// Set stores device state stamped with the current time.
func (c *StateCache) Set(id string, state device.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = &Entry{
		State:     state,
		FetchedAt: c.now(),
	}
}

// Generation returns the invalidation counter for id.
func (c *StateCache) Generation(id string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[id]
}

// SetIfGeneration stores state only if id has not been invalidated since gen
// was read. Returns false if the write was discarded.
func (c *StateCache) SetIfGeneration(id string, state device.State, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[id] != gen {
		return false
	}
	c.entries[id] = &Entry{
		State:     state,
		FetchedAt: c.now(),
	}
	return true
}

// Outcome reports what Update did with a fetched state.
type Outcome int

const (
	// Discarded: id was invalidated after the fetch started.
	Discarded Outcome = iota
	// Unchanged: the entry already held an equal state; only its timestamp moved.
	Unchanged
	// Changed: the entry was created or replaced.
	Changed
)

// Update compares state with the cached entry and stores it, all under one
// lock, so of several concurrent writers of the same new state exactly one
// sees Changed. Writes whose fetch predates an invalidation (gen mismatch) are
// Discarded.
func (c *StateCache) Update(id string, state device.State, gen uint64) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[id] != gen {
		return Discarded
	}

	now := c.now()
	if prev, ok := c.entries[id]; ok && prev.State.Equal(state) {
		prev.FetchedAt = now
		return Unchanged
	}
	c.entries[id] = &Entry{State: state, FetchedAt: now}
	return Changed
}

// Invalidate removes an entry from the cache.
func (c *StateCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		log.Debug().Str("device", id).Msg("Invalidating cached state")
	}
	delete(c.entries, id)
	c.generations[id]++
}

// Clear removes all entries from the cache.
func (c *StateCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.entries {
		c.generations[id]++
	}
	c.entries = make(map[string]*Entry)
}
