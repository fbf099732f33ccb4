package models

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/dbretry"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// InfractionModel handles database operations for the sanction ledger.
type InfractionModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewInfraction creates an InfractionModel with database access.
func NewInfraction(db *bun.DB, logger *zap.Logger) *InfractionModel {
	return &InfractionModel{
		db:     db,
		logger: logger.Named("db_infraction"),
	}
}

// Insert appends a new infraction row and returns its generated ID.
func (m *InfractionModel) Insert(ctx context.Context, infraction *types.Infraction) (int64, error) {
	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewInsert().Model(infraction).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert infraction: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	m.logger.Debug("Recorded infraction",
		zap.Int64("infractionID", infraction.ID),
		zap.Uint64("guildID", uint64(infraction.GuildID)),
		zap.Uint64("userID", uint64(infraction.UserID)),
		zap.String("kind", string(infraction.Kind)))

	return infraction.ID, nil
}

// GetActive returns all active infractions for a subject ordered by creation
// time, newest first.
func (m *InfractionModel) GetActive(
	ctx context.Context, guildID, userID snowflake.ID,
) ([]*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Infraction, error) {
		var infractions []*types.Infraction

		err := m.db.NewSelect().Model(&infractions).
			Where("guild_id = ?", guildID).
			Where("user_id = ?", userID).
			Where("active = TRUE").
			Order("created_at DESC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get active infractions: %w (guildID=%d, userID=%d)",
				err, guildID, userID)
		}

		return infractions, nil
	})
}

// GetRecent returns all infractions for a subject created at or after the
// given time, newest first. Used for escalation lookback, which also needs
// one-shot kinds like kicks that never stay active.
func (m *InfractionModel) GetRecent(
	ctx context.Context, guildID, userID snowflake.ID, since time.Time,
) ([]*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Infraction, error) {
		var infractions []*types.Infraction

		err := m.db.NewSelect().Model(&infractions).
			Where("guild_id = ?", guildID).
			Where("user_id = ?", userID).
			Where("created_at >= ?", since).
			Order("created_at DESC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent infractions: %w (guildID=%d, userID=%d)",
				err, guildID, userID)
		}

		return infractions, nil
	})
}

// GetByID returns a single infraction row.
func (m *InfractionModel) GetByID(ctx context.Context, infractionID int64) (*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.Infraction, error) {
		infraction := &types.Infraction{ID: infractionID}

		err := m.db.NewSelect().Model(infraction).
			WherePK().
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get infraction %d: %w", infractionID, err)
		}

		return infraction, nil
	})
}

// Deactivate marks an infraction inactive. Returns true if a row changed.
func (m *InfractionModel) Deactivate(ctx context.Context, infractionID int64) (bool, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (bool, error) {
		result, err := m.db.NewUpdate().
			Model((*types.Infraction)(nil)).
			Set("active = FALSE").
			Where("id = ?", infractionID).
			Where("active = TRUE").
			Exec(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to deactivate infraction %d: %w", infractionID, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}

		return affected > 0, nil
	})
}

// RecordFailure stores the last enforcement failure on the infraction row so
// operators can reconcile sanctions the platform rejected.
func (m *InfractionModel) RecordFailure(ctx context.Context, infractionID int64, message string) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewUpdate().
			Model((*types.Infraction)(nil)).
			Set("enforcement_error = ?", message).
			Where("id = ?", infractionID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to record enforcement failure for infraction %d: %w", infractionID, err)
		}

		return nil
	})
}

// GetExpired returns active timed infractions whose expiry has passed.
// The limit bounds how much work a single sweep pass takes on.
func (m *InfractionModel) GetExpired(ctx context.Context, now time.Time, limit int) ([]*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Infraction, error) {
		var infractions []*types.Infraction

		err := m.db.NewSelect().Model(&infractions).
			Where("active = TRUE").
			Where("expires_at IS NOT NULL").
			Where("expires_at <= ?", now).
			Order("expires_at ASC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get expired infractions: %w", err)
		}

		return infractions, nil
	})
}
