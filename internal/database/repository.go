package database

import (
	"github.com/shardguard/shardguard/internal/database/models"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Repository provides access to all database models.
type Repository struct {
	setting    *models.SettingModel
	infraction *models.InfractionModel
}

// NewRepository creates a new repository instance with all models.
func NewRepository(db *bun.DB, logger *zap.Logger) *Repository {
	return &Repository{
		setting:    models.NewSetting(db, logger),
		infraction: models.NewInfraction(db, logger),
	}
}

// Setting returns the guild settings model repository.
func (r *Repository) Setting() *models.SettingModel {
	return r.setting
}

// Infraction returns the infraction ledger model repository.
func (r *Repository) Infraction() *models.InfractionModel {
	return r.infraction
}
