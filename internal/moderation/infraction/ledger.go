// Package infraction maintains the append-only sanction ledger and derives
// escalation decisions from a subject's recent history.
package infraction

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"go.uber.org/zap"
)

// Store is the persistence surface the ledger needs. InfractionModel
// implements it against Postgres.
type Store interface {
	Insert(ctx context.Context, infraction *types.Infraction) (int64, error)
	GetActive(ctx context.Context, guildID, userID snowflake.ID) ([]*types.Infraction, error)
	GetRecent(ctx context.Context, guildID, userID snowflake.ID, since time.Time) ([]*types.Infraction, error)
	GetByID(ctx context.Context, infractionID int64) (*types.Infraction, error)
	Deactivate(ctx context.Context, infractionID int64) (bool, error)
	RecordFailure(ctx context.Context, infractionID int64, message string) error
	GetExpired(ctx context.Context, now time.Time, limit int) ([]*types.Infraction, error)
}

// Ledger records sanctions and their lifecycle. All scheduling of reversals
// flows through the persisted expiry timestamps, never in-memory timers, so
// a restart cannot drop a pending unmute or unban.
type Ledger struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger creates a ledger over the given store.
func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		clock:  time.Now,
		logger: logger.Named("infraction_ledger"),
	}
}

// SetClock replaces the time source, for tests.
func (l *Ledger) SetClock(clock func() time.Time) {
	l.clock = clock
}

// Record appends a sanction and returns its ID. A positive duration sets the
// expiry; zero means indefinite. Kicks are recorded inactive because the
// action completes the moment it runs.
func (l *Ledger) Record(
	ctx context.Context,
	guildID, userID, moderatorID snowflake.ID,
	kind enum.InfractionKind,
	reason string,
	duration time.Duration,
) (int64, error) {
	now := l.clock()

	infraction := &types.Infraction{
		GuildID:     guildID,
		UserID:      userID,
		ModeratorID: moderatorID,
		Kind:        kind,
		Reason:      reason,
		DurationSec: int64(duration / time.Second),
		Active:      kind != enum.InfractionKick,
		CreatedAt:   now,
	}
	if duration > 0 {
		infraction.ExpiresAt = now.Add(duration)
	}

	return l.store.Insert(ctx, infraction)
}

// Active returns the subject's active infractions, newest first.
func (l *Ledger) Active(ctx context.Context, guildID, userID snowflake.ID) ([]*types.Infraction, error) {
	return l.store.GetActive(ctx, guildID, userID)
}

// Recent returns all of the subject's infractions within the lookback.
func (l *Ledger) Recent(
	ctx context.Context, guildID, userID snowflake.ID, lookback time.Duration,
) ([]*types.Infraction, error) {
	return l.store.GetRecent(ctx, guildID, userID, l.clock().Add(-lookback))
}

// Revoke deactivates an infraction and appends a revoke row referencing it.
// Returns false without writing anything when the infraction does not exist
// or is already inactive.
func (l *Ledger) Revoke(ctx context.Context, infractionID int64, revokedBy snowflake.ID, reason string) (bool, error) {
	original, err := l.store.GetByID(ctx, infractionID)
	if err != nil {
		return false, fmt.Errorf("failed to load infraction for revoke: %w", err)
	}

	changed, err := l.store.Deactivate(ctx, infractionID)
	if err != nil {
		return false, err
	}

	if !changed {
		return false, nil
	}

	_, err = l.store.Insert(ctx, &types.Infraction{
		GuildID:     original.GuildID,
		UserID:      original.UserID,
		ModeratorID: revokedBy,
		Kind:        enum.InfractionRevoke,
		Reason:      reason,
		ReferenceID: infractionID,
		Active:      false,
		CreatedAt:   l.clock(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to record revoke: %w", err)
	}

	l.logger.Info("Revoked infraction",
		zap.Int64("infractionID", infractionID),
		zap.Uint64("revokedBy", uint64(revokedBy)))

	return true, nil
}

// Reversal is an expired sanction whose platform effect needs undoing.
type Reversal struct {
	Infraction *types.Infraction
	Kind       enum.InfractionKind
}

// SweepExpired reverses timed sanctions whose expiry has passed and then
/// deactivates them. The order matters: a sanction is deactivated only after
// its platform reversal succeeded, so a failed reversal stays active and the
// next sweep picks it up again from the persisted expiry. The failure is
// recorded on the infraction row for operator reconciliation. Returns the
// number of sanctions expired.
func (l *Ledger) SweepExpired(ctx context.Context, limit int, undo func(ctx context.Context, r Reversal) error) (int, error) {
	now := l.clock()

	expired, err := l.store.GetExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0

	for _, infraction := range expired {
		reversalKind := infraction.ReversalKind()

		if reversalKind != "" && undo != nil {
			if err := undo(ctx, Reversal{Infraction: infraction, Kind: reversalKind}); err != nil {
				l.logger.Error("Failed to reverse expired infraction, retrying next sweep",
					zap.Int64("infractionID", infraction.ID),
					zap.String("kind", string(reversalKind)),
					zap.Error(err))

				if ferr := l.store.RecordFailure(ctx, infraction.ID, err.Error()); ferr != nil {
					l.logger.Error("Failed to record enforcement failure",
						zap.Int64("infractionID", infraction.ID),
						zap.Error(ferr))
				}

				continue
			}
		}

		changed, err := l.store.Deactivate(ctx, infraction.ID)
		if err != nil {
			l.logger.Error("Failed to deactivate expired infraction",
				zap.Int64("infractionID", infraction.ID),
				zap.Error(err))

			continue
		}

		if !changed {
			continue
		}

		processed++

		if reversalKind == "" || undo == nil {
			continue
		}

		_, err = l.store.Insert(ctx, &types.Infraction{
			GuildID:     infraction.GuildID,
			UserID:      infraction.UserID,
			Kind:        reversalKind,
			Reason:      "sanction expired",
			ReferenceID: infraction.ID,
			Active:      false,
			CreatedAt:   now,
		})
		if err != nil {
			l.logger.Error("Failed to record reversal",
				zap.Int64("infractionID", infraction.ID),
				zap.Error(err))
		}
	}

	return processed, nil
}
