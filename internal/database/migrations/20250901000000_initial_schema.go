package migrations

import (
	"context"
	"fmt"

	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		models := []any{
			(*types.GuildSettings)(nil),
			(*types.Infraction)(nil),
		}

		for _, model := range models {
			_, err := db.NewCreateTable().
				Model(model).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}

		// Indexes backing the ledger queries: active infractions per subject
		// and the expiry sweep.
		indexes := []struct {
			name    string
			table   string
			columns string
			where   string
		}{
			{
				name:    "idx_infractions_guild_user_active",
				table:   "infractions",
				columns: "guild_id, user_id, created_at DESC",
				where:   "active = TRUE",
			},
			{
				name:    "idx_infractions_expires_at",
				table:   "infractions",
				columns: "expires_at",
				where:   "active = TRUE AND expires_at IS NOT NULL",
			},
		}

		for _, idx := range indexes {
			query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, idx.table, idx.columns)
			if idx.where != "" {
				query += " WHERE " + idx.where
			}

			if _, err := db.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to create index %s: %w", idx.name, err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		tables := []string{"infractions", "guild_settings"}
		for _, table := range tables {
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", table, err)
			}
		}

		return nil
	})
}
