package infraction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"github.com/shardguard/shardguard/internal/moderation/infraction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory Store for exercising ledger logic without a
// database.
type memStore struct {
	nextID   int64
	rows     []*types.Infraction
	failures map[int64]string
}

func (s *memStore) Insert(_ context.Context, inf *types.Infraction) (int64, error) {
	s.nextID++
	inf.ID = s.nextID
	s.rows = append(s.rows, inf)

	return inf.ID, nil
}

func (s *memStore) GetActive(_ context.Context, guildID, userID snowflake.ID) ([]*types.Infraction, error) {
	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.GuildID == guildID && inf.UserID == userID && inf.Active {
			out = append(out, inf)
		}
	}

	return out, nil
}

func (s *memStore) GetRecent(
	_ context.Context, guildID, userID snowflake.ID, since time.Time,
) ([]*types.Infraction, error) {
	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.GuildID == guildID && inf.UserID == userID && !inf.CreatedAt.Before(since) {
			out = append(out, inf)
		}
	}

	return out, nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (*types.Infraction, error) {
	for _, inf := range s.rows {
		if inf.ID == id {
			return inf, nil
		}
	}

	return nil, context.Canceled
}

func (s *memStore) Deactivate(_ context.Context, id int64) (bool, error) {
	for _, inf := range s.rows {
		if inf.ID == id && inf.Active {
			inf.Active = false

			return true, nil
		}
	}

	return false, nil
}

func (s *memStore) RecordFailure(_ context.Context, infractionID int64, message string) error {
	if s.failures == nil {
		s.failures = make(map[int64]string)
	}

	s.failures[infractionID] = message

	return nil
}

func (s *memStore) GetExpired(_ context.Context, now time.Time, limit int) ([]*types.Infraction, error) {
	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.Active && inf.Timed() && !inf.ExpiresAt.After(now) {
			out = append(out, inf)

			if len(out) == limit {
				break
			}
		}
	}

	return out, nil
}

func newLedger(t *testing.T) (*infraction.Ledger, *memStore, func(time.Time)) {
	t.Helper()

	store := &memStore{}
	ledger := infraction.NewLedger(store, zap.NewNop())

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetClock(func() time.Time { return now })

	return ledger, store, func(at time.Time) { now = at }
}

func TestRecordTimedSanction(t *testing.T) {
	t.Parallel()

	ledger, store, _ := newLedger(t)

	id, err := ledger.Record(context.Background(), 1, 10, 99, enum.InfractionMute, "spam", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	row := store.rows[0]
	assert.True(t, row.Active)
	assert.True(t, row.Timed())
	assert.Equal(t, row.CreatedAt.Add(5*time.Minute), row.ExpiresAt)
}

func TestRecordIndefiniteSanction(t *testing.T) {
	t.Parallel()

	ledger, store, _ := newLedger(t)

	_, err := ledger.Record(context.Background(), 1, 10, 99, enum.InfractionBan, "raid", 0)
	require.NoError(t, err)

	row := store.rows[0]
	assert.True(t, row.Active)
	assert.False(t, row.Timed())
}

func TestKickRecordedInactive(t *testing.T) {
	t.Parallel()

	ledger, store, _ := newLedger(t)

	_, err := ledger.Record(context.Background(), 1, 10, 99, enum.InfractionKick, "captcha failed", 0)
	require.NoError(t, err)

	assert.False(t, store.rows[0].Active)
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	ledger, store, _ := newLedger(t)

	id, err := ledger.Record(context.Background(), 1, 10, 99, enum.InfractionWarn, "spam", 0)
	require.NoError(t, err)

	ok, err := ledger.Revoke(context.Background(), id, 100, "appealed")
	require.NoError(t, err)
	assert.True(t, ok)

	// Original row deactivated, revoke row appended with a back reference.
	assert.False(t, store.rows[0].Active)
	require.Len(t, store.rows, 2)
	assert.Equal(t, enum.InfractionRevoke, store.rows[1].Kind)
	assert.Equal(t, id, store.rows[1].ReferenceID)
	assert.False(t, store.rows[1].Active)

	// Revoking again is a no-op.
	ok, err = ledger.Revoke(context.Background(), id, 100, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, store.rows, 2)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	ledger, store, advance := newLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, 1, 10, 99, enum.InfractionMute, "spam", 5*time.Minute)
	require.NoError(t, err)
	_, err = ledger.Record(ctx, 1, 11, 99, enum.InfractionBan, "raid", time.Hour)
	require.NoError(t, err)
	_, err = ledger.Record(ctx, 1, 12, 99, enum.InfractionBan, "raid", 0) // indefinite
	require.NoError(t, err)

	var reversals []infraction.Reversal

	undo := func(_ context.Context, r infraction.Reversal) error {
		reversals = append(reversals, r)

		return nil
	}

	// Ten minutes in only the mute has expired.
	advance(time.Date(2025, 9, 1, 12, 10, 0, 0, time.UTC))

	n, err := ledger.SweepExpired(ctx, 100, undo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, reversals, 1)
	assert.Equal(t, enum.InfractionUnmute, reversals[0].Kind)
	assert.Equal(t, snowflake.ID(10), reversals[0].Infraction.UserID)

	// A reversal row was appended referencing the expired sanction.
	last := store.rows[len(store.rows)-1]
	assert.Equal(t, enum.InfractionUnmute, last.Kind)
	assert.Equal(t, reversals[0].Infraction.ID, last.ReferenceID)

	// Two hours in the timed ban expires too; the indefinite one never does.
	advance(time.Date(2025, 9, 1, 14, 0, 0, 0, time.UTC))

	n, err = ledger.SweepExpired(ctx, 100, undo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, reversals, 2)
	assert.Equal(t, enum.InfractionUnban, reversals[1].Kind)

	n, err = ledger.SweepExpired(ctx, 100, undo)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepExpiredReversalFailureRetried(t *testing.T) {
	t.Parallel()

	ledger, store, advance := newLedger(t)
	ctx := context.Background()

	id, err := ledger.Record(ctx, 1, 10, 99, enum.InfractionBan, "raid", time.Hour)
	require.NoError(t, err)

	advance(time.Date(2025, 9, 1, 14, 0, 0, 0, time.UTC))

	// First sweep: the platform unban fails. The sanction must stay active
	// so the next sweep picks it up again, with the failure recorded on it.
	undoErr := errors.New("platform unavailable")
	undo := func(_ context.Context, _ infraction.Reversal) error { return undoErr }

	n, err := ledger.SweepExpired(ctx, 100, undo)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.True(t, store.rows[0].Active)
	assert.Equal(t, undoErr.Error(), store.failures[id])
	assert.Len(t, store.rows, 1) // no reversal row for a failed undo

	// Next sweep: the platform recovers and the sanction is lifted.
	var reversed []infraction.Reversal

	n, err = ledger.SweepExpired(ctx, 100, func(_ context.Context, r infraction.Reversal) error {
		reversed = append(reversed, r)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, store.rows[0].Active)
	require.Len(t, reversed, 1)
	assert.Equal(t, enum.InfractionUnban, reversed[0].Kind)
	require.Len(t, store.rows, 2)
	assert.Equal(t, id, store.rows[1].ReferenceID)
}
