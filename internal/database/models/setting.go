package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/dbretry"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// SettingModel handles database operations for per-guild moderation settings.
type SettingModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewSetting creates a SettingModel with database access.
func NewSetting(db *bun.DB, logger *zap.Logger) *SettingModel {
	return &SettingModel{
		db:     db,
		logger: logger.Named("db_setting"),
	}
}

// GetGuildSettings retrieves settings for a guild, creating the default row
// on first access so every guild always has a persisted policy.
func (m *SettingModel) GetGuildSettings(ctx context.Context, guildID snowflake.ID) (*types.GuildSettings, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.GuildSettings, error) {
		settings := types.DefaultGuildSettings(guildID)

		err := m.db.NewSelect().Model(settings).
			WherePK().
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Create default settings if none exist
				_, err = m.db.NewInsert().Model(settings).Exec(ctx)
				if err != nil {
					return nil, fmt.Errorf("failed to create guild settings: %w (guildID=%d)", err, guildID)
				}
			} else {
				return nil, fmt.Errorf("failed to get guild settings: %w (guildID=%d)", err, guildID)
			}
		}

		return settings, nil
	})
}

// SaveGuildSettings updates or creates guild settings.
func (m *SettingModel) SaveGuildSettings(ctx context.Context, settings *types.GuildSettings) error {
	settings.UpdatedAt = time.Now()

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewInsert().Model(settings).
			On("CONFLICT (guild_id) DO UPDATE").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to save guild settings: %w (guildID=%d)", err, settings.GuildID)
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Debug("Saved guild settings", zap.Uint64("guildID", uint64(settings.GuildID)))

	return nil
}
