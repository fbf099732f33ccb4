// Package setup bootstraps the application's shared dependencies.
package setup

import (
	"context"
	"time"

	"github.com/redis/rueidis"
	"github.com/shardguard/shardguard/internal/database"
	"github.com/shardguard/shardguard/internal/redis"
	"github.com/shardguard/shardguard/internal/setup/config"
	"go.uber.org/zap"
)

// ShutdownTimeout bounds graceful shutdown of the gateway connection.
const ShutdownTimeout = 10 * time.Second

// App bundles the core dependencies every entrypoint needs.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DBLogger     *zap.Logger
	DB           database.Client
	RedisManager *redis.Manager
	StatusClient rueidis.Client
	LogManager   *LogManager
}

// InitializeApp bootstraps dependencies in order: configuration first,
// logging next so later failures are captured, then storage.
func InitializeApp(ctx context.Context, logDir string) (*App, error) {
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	logManager := NewLogManager(logDir, &cfg.Common.Debug)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	redisManager := redis.NewManager(&cfg.Common.Redis, logger)

	db, err := database.NewConnection(ctx, &cfg.Common.PostgreSQL, dbLogger, true)
	if err != nil {
		return nil, err
	}

	// Worker heartbeats are optional; a Redis outage must not block startup.
	statusClient, err := redisManager.GetClient(redis.SweepStatusDBIndex)
	if err != nil {
		logger.Warn("Status reporting unavailable", zap.Error(err))

		statusClient = nil
	}

	return &App{
		Config:       cfg,
		Logger:       logger,
		DBLogger:     dbLogger,
		DB:           db,
		RedisManager: redisManager,
		StatusClient: statusClient,
		LogManager:   logManager,
	}, nil
}

// Cleanup releases all resources in reverse initialization order.
func (a *App) Cleanup(_ context.Context) {
	if err := a.DB.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}

	a.RedisManager.Close()

	_ = a.Logger.Sync()
	_ = a.DBLogger.Sync()
}
