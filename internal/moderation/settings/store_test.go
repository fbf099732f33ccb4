package settings_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/moderation/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	calls    int
	err      error
	settings map[snowflake.ID]*types.GuildSettings
}

func (f *fakeFetcher) GetGuildSettings(_ context.Context, guildID snowflake.ID) (*types.GuildSettings, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	if s, ok := f.settings[guildID]; ok {
		return s, nil
	}

	return types.DefaultGuildSettings(guildID), nil
}

func TestGetCachesWithinTTL(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(100)
	fetcher := &fakeFetcher{}
	store := settings.NewStore(fetcher, time.Hour, zap.NewNop())

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	first := store.Get(context.Background(), guildID)
	require.NotNil(t, first)
	assert.Equal(t, 1, fetcher.calls)

	// Within the TTL the cached copy is served.
	now = now.Add(30 * time.Minute)
	second := store.Get(context.Background(), guildID)
	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.calls)

	// Past the TTL the store re-fetches.
	now = now.Add(31 * time.Minute)
	store.Get(context.Background(), guildID)
	assert.Equal(t, 2, fetcher.calls)
}

func TestGetServesStaleOnFetchFailure(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(200)
	custom := types.DefaultGuildSettings(guildID)
	custom.SpamEnabled = true
	custom.DuplicateThreshold = 7

	fetcher := &fakeFetcher{settings: map[snowflake.ID]*types.GuildSettings{guildID: custom}}
	store := settings.NewStore(fetcher, time.Hour, zap.NewNop())

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	got := store.Get(context.Background(), guildID)
	require.Equal(t, 7, got.DuplicateThreshold)

	// The backing store goes away after the TTL elapses.
	fetcher.err = errors.New("connection refused")
	now = now.Add(2 * time.Hour)

	stale := store.Get(context.Background(), guildID)
	require.NotNil(t, stale)
	assert.Equal(t, 7, stale.DuplicateThreshold)
	assert.True(t, stale.SpamEnabled)
}

func TestGetFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(300)
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	store := settings.NewStore(fetcher, time.Hour, zap.NewNop())

	got := store.Get(context.Background(), guildID)
	require.NotNil(t, got)

	// Safe defaults keep every detector off.
	assert.False(t, got.SpamEnabled)
	assert.False(t, got.RaidEnabled)
	assert.False(t, got.CaptchaEnabled)
	assert.False(t, got.FilterEnabled)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(400)
	fetcher := &fakeFetcher{}
	store := settings.NewStore(fetcher, time.Hour, zap.NewNop())

	store.Get(context.Background(), guildID)
	require.Equal(t, 1, fetcher.calls)

	store.Invalidate(guildID)
	store.Get(context.Background(), guildID)
	assert.Equal(t, 2, fetcher.calls)
}

func TestInvalidateKeepsStaleFallback(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(500)
	custom := types.DefaultGuildSettings(guildID)
	custom.MessageThreshold = 11

	fetcher := &fakeFetcher{settings: map[snowflake.ID]*types.GuildSettings{guildID: custom}}
	store := settings.NewStore(fetcher, time.Hour, zap.NewNop())

	store.Get(context.Background(), guildID)

	store.Invalidate(guildID)
	fetcher.err = errors.New("connection refused")

	stale := store.Get(context.Background(), guildID)
	require.NotNil(t, stale)
	assert.Equal(t, 11, stale.MessageThreshold)
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	store := settings.NewStore(fetcher, time.Hour, zap.NewNop())

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	store.Get(context.Background(), snowflake.ID(600))
	store.Get(context.Background(), snowflake.ID(601))

	assert.Equal(t, 0, store.Sweep())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2, store.Sweep())
}
