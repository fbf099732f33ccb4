// Package window implements exact sliding-time-window counters keyed by
// (guild, subject, metric). Unlike fixed-bucket rate limiting, counts are
// computed over the precise trailing window, so bursts straddling a bucket
// boundary cannot slip through.
package window

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
)

// Key identifies a single counter. SubjectID is zero for guild-level metrics
// such as the join rate.
type Key struct {
	GuildID   snowflake.ID
	SubjectID snowflake.ID
	Metric    string
}

// sample is a single weighted observation.
type sample struct {
	at     time.Time
	weight int
}

// counter holds the samples for one key. Samples are ordered by time and
// evicted from the front once they age out of the window.
type counter struct {
	mu          sync.Mutex
	samples     []sample
	retainUntil time.Time
}

// evict drops all samples at or before the window boundary. A sample at
// exactly now-window does not count.
func (c *counter) evict(window time.Duration, now time.Time) {
	cutoff := now.Add(-window)

	i := 0
	for i < len(c.samples) && !c.samples[i].at.After(cutoff) {
		i++
	}

	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

// idle reports whether every sample has aged out. retainUntil is written by
// Observe under c.mu, so the read must hold it too.
func (c *counter) idle(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.retainUntil.Before(now)
}

func (c *counter) sum() int {
	total := 0
	for _, s := range c.samples {
		total += s.weight
	}

	return total
}

// Tracker owns all counters. The counters map is guarded by a read-write
// mutex while each counter carries its own lock, so concurrent traffic for
// unrelated keys never serializes.
type Tracker struct {
	mu       sync.RWMutex
	counters map[Key]*counter
	logger   *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		counters: make(map[Key]*counter),
		logger:   logger.Named("window_tracker"),
	}
}

func (t *Tracker) get(key Key, create bool) *counter {
	t.mu.RLock()
	c, ok := t.counters[key]
	t.mu.RUnlock()

	if ok || !create {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Another goroutine may have created it between the two lock sections.
	if c, ok = t.counters[key]; ok {
		return c
	}

	c = &counter{}
	t.counters[key] = c

	return c
}

// Observe appends a weighted sample, evicts everything older than the window
// and returns the resulting count. The window is supplied per call so one
// tracker serves metrics with different windows.
func (t *Tracker) Observe(key Key, weight int, window time.Duration, now time.Time) int {
	c := t.get(key, true)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, sample{at: now, weight: weight})
	c.retainUntil = now.Add(window)
	c.evict(window, now)

	return c.sum()
}

// Count returns the current in-window sum without recording a sample.
func (t *Tracker) Count(key Key, window time.Duration, now time.Time) int {
	c := t.get(key, false)
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(window, now)

	return c.sum()
}

// Reset removes the counter for a key.
func (t *Tracker) Reset(key Key) {
	t.mu.Lock()
	delete(t.counters, key)
	t.mu.Unlock()
}

// Sweep removes counters whose samples have all aged out, bounding memory
// for idle subjects. It holds the map lock only while collecting candidates
// and removing entries, never across per-counter work.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.RLock()

	candidates := make([]Key, 0, len(t.counters))
	for key, c := range t.counters {
		if c.idle(now) {
			candidates = append(candidates, key)
		}
	}

	t.mu.RUnlock()

	removed := 0

	for _, key := range candidates {
		t.mu.Lock()

		// Re-check under the write lock; the counter may have been touched
		// since it was collected.
		if c, ok := t.counters[key]; ok && c.idle(now) {
			delete(t.counters, key)

			removed++
		}

		t.mu.Unlock()
	}

	if removed > 0 {
		t.logger.Debug("Swept idle window counters", zap.Int("removed", removed))
	}

	return removed
}

// Len returns the number of live counters.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.counters)
}
