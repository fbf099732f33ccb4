// Package settings provides a TTL-cached read-through accessor for per-guild
// moderation configuration.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"go.uber.org/zap"
)

// DefaultTTL bounds staleness for settings updated out of band, matching the
// hour-long cache the dashboard expects.
const DefaultTTL = time.Hour

// Fetcher loads settings from durable storage on a cache miss.
type Fetcher interface {
	GetGuildSettings(ctx context.Context, guildID snowflake.ID) (*types.GuildSettings, error)
}

// entry is one guild's cached snapshot. fetchedAt is zeroed on invalidation
// so the value survives as a last-known-good copy for stale fallback while
// still forcing a re-fetch on the next access.
type entry struct {
	mu        sync.Mutex
	settings  *types.GuildSettings
	fetchedAt time.Time
}

// Store caches guild settings with a TTL. Reads for different guilds never
// contend: the outer map lock is held only to locate an entry and each entry
// carries its own lock.
type Store struct {
	fetcher Fetcher
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[snowflake.ID]*entry
}

// NewStore creates a settings store backed by the given fetcher.
func NewStore(fetcher Fetcher, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{
		fetcher: fetcher,
		ttl:     ttl,
		clock:   time.Now,
		logger:  logger.Named("settings_store"),
		entries: make(map[snowflake.ID]*entry),
	}
}

// SetClock replaces the time source, for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Get returns the guild's settings. A fresh cached copy is returned without
// touching storage. On fetch failure the last-known-good copy is served if
// one exists; otherwise the safe default policy (all detectors disabled) is
// returned. Get never fails from the caller's point of view.
func (s *Store) Get(ctx context.Context, guildID snowflake.ID) *types.GuildSettings {
	e := s.entry(guildID)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.clock()
	if e.settings != nil && !e.fetchedAt.IsZero() && now.Sub(e.fetchedAt) < s.ttl {
		return e.settings
	}

	fetched, err := s.fetcher.GetGuildSettings(ctx, guildID)
	if err != nil {
		if e.settings != nil {
			// Stale-but-available beats failing the event pipeline.
			s.logger.Warn("Settings fetch failed, serving stale copy",
				zap.Uint64("guildID", uint64(guildID)),
				zap.Error(err))

			return e.settings
		}

		s.logger.Warn("Settings fetch failed with no cached copy, using defaults",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Error(err))

		return types.DefaultGuildSettings(guildID)
	}

	e.settings = fetched
	e.fetchedAt = now

	return fetched
}

// Invalidate expires the cached copy so the next Get re-fetches. The old
// value is kept as a stale fallback in case that fetch fails.
func (s *Store) Invalidate(guildID snowflake.ID) {
	s.mu.RLock()
	e, ok := s.entries[guildID]
	s.mu.RUnlock()

	if !ok {
		return
	}

	e.mu.Lock()
	e.fetchedAt = time.Time{}
	e.mu.Unlock()

	s.logger.Debug("Invalidated settings cache", zap.Uint64("guildID", uint64(guildID)))
}

// Sweep drops entries whose TTL elapsed, bounding memory across idle guilds.
func (s *Store) Sweep() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for guildID, e := range s.entries {
		e.mu.Lock()
		expired := e.fetchedAt.IsZero() || now.Sub(e.fetchedAt) >= s.ttl
		e.mu.Unlock()

		if expired {
			delete(s.entries, guildID)

			removed++
		}
	}

	return removed
}

func (s *Store) entry(guildID snowflake.ID) *entry {
	s.mu.RLock()
	e, ok := s.entries[guildID]
	s.mu.RUnlock()

	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok = s.entries[guildID]; ok {
		return e
	}

	e = &entry{}
	s.entries[guildID] = e

	return e
}
