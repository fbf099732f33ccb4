package window_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shardguard/shardguard/internal/moderation/window"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testKey(metric string) window.Key {
	return window.Key{GuildID: 100, SubjectID: 200, Metric: metric}
}

func TestObserve(t *testing.T) {
	t.Parallel()

	tracker := window.NewTracker(zap.NewNop())
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	key := testKey("messages")

	t.Run("counts within window", func(t *testing.T) {
		assert.Equal(t, 1, tracker.Observe(key, 1, 10*time.Second, now))
		assert.Equal(t, 2, tracker.Observe(key, 1, 10*time.Second, now.Add(2*time.Second)))
		assert.Equal(t, 3, tracker.Observe(key, 1, 10*time.Second, now.Add(4*time.Second)))
	})

	t.Run("old samples age out", func(t *testing.T) {
		// At +15s with a 10s window only samples newer than +5s count,
		// which is just the one recorded here.
		assert.Equal(t, 1, tracker.Observe(key, 1, 10*time.Second, now.Add(15*time.Second)))
	})
}

func TestWindowBoundary(t *testing.T) {
	t.Parallel()

	tracker := window.NewTracker(zap.NewNop())
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	key := testKey("messages")

	tracker.Observe(key, 1, 10*time.Second, now)

	// A sample at exactly now-window is excluded from the count.
	assert.Equal(t, 0, tracker.Count(key, 10*time.Second, now.Add(10*time.Second)))
	// Just inside the boundary it still counts.
	assert.Equal(t, 1, tracker.Count(key, 10*time.Second, now.Add(10*time.Second-time.Millisecond)))
}

func TestWeights(t *testing.T) {
	t.Parallel()

	tracker := window.NewTracker(zap.NewNop())
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	key := testKey("mentions")

	tracker.Observe(key, 3, time.Minute, now)
	assert.Equal(t, 8, tracker.Observe(key, 5, time.Minute, now.Add(time.Second)))
}

func TestReset(t *testing.T) {
	t.Parallel()

	tracker := window.NewTracker(zap.NewNop())
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	key := testKey("messages")

	tracker.Observe(key, 1, time.Minute, now)
	tracker.Reset(key)
	assert.Equal(t, 0, tracker.Count(key, time.Minute, now))
}

func TestSweep(t *testing.T) {
	t.Parallel()

	tracker := window.NewTracker(zap.NewNop())
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	tracker.Observe(testKey("a"), 1, 10*time.Second, now)
	tracker.Observe(testKey("b"), 1, time.Hour, now)
	assert.Equal(t, 2, tracker.Len())

	// Only the counter whose window has fully elapsed is removed.
	removed := tracker.Sweep(now.Add(time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tracker.Len())

	// Counts are unaffected for the surviving key.
	assert.Equal(t, 1, tracker.Count(testKey("b"), time.Hour, now.Add(time.Minute)))
}

func TestConcurrentObserve(t *testing.T) {
	t.Parallel()

	tracker := window.NewTracker(zap.NewNop())
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	key := testKey("messages")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			tracker.Observe(key, 1, time.Hour, now)
		}()
	}

	wg.Wait()
	assert.Equal(t, 50, tracker.Count(key, time.Hour, now))
}

func TestConcurrentObserveAndSweep(t *testing.T) {
	t.Parallel()

	tracker := window.NewTracker(zap.NewNop())
	base := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	// Sweeps race against observes on the same keys; the race detector
	// verifies retention reads stay synchronized with writes.
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)

		key := testKey("messages")
		if i%2 == 0 {
			key = testKey("mentions")
		}

		go func() {
			defer wg.Done()
			tracker.Observe(key, 1, time.Second, base.Add(time.Duration(i)*time.Millisecond))
		}()

		go func() {
			defer wg.Done()
			tracker.Sweep(base.Add(time.Duration(i) * time.Millisecond))
		}()
	}

	wg.Wait()

	// Everything was observed inside a one-second window, so nothing has
	// aged out and both counters survive.
	assert.Equal(t, 2, tracker.Len())
}
