package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shardguard/shardguard/internal/bot"
	"github.com/shardguard/shardguard/internal/discord"
	"github.com/shardguard/shardguard/internal/moderation/automod"
	"github.com/shardguard/shardguard/internal/moderation/captcha"
	"github.com/shardguard/shardguard/internal/moderation/enforce"
	"github.com/shardguard/shardguard/internal/moderation/infraction"
	"github.com/shardguard/shardguard/internal/moderation/raid"
	"github.com/shardguard/shardguard/internal/moderation/settings"
	"github.com/shardguard/shardguard/internal/moderation/spam"
	"github.com/shardguard/shardguard/internal/moderation/window"
	"github.com/shardguard/shardguard/internal/setup"
	"github.com/shardguard/shardguard/internal/worker/status"
	"github.com/shardguard/shardguard/internal/worker/sweeper"
	"go.uber.org/zap"
)

const (
	// BotLogDir specifies where bot log files are stored.
	BotLogDir = "logs/bot_logs"

	// WordListPath is the default blocked-word list location.
	WordListPath = "data/blocked_words.txt"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	app, err := setup.InitializeApp(ctx, BotLogDir)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.Cleanup(ctx)

	logger := app.Logger

	words, err := automod.LoadWordList(WordListPath)
	if err != nil {
		logger.Warn("Failed to load blocked word list", zap.Error(err))
	}

	store := settings.NewStore(app.DB.Model().Setting(), settings.DefaultTTL, logger)
	tracker := window.NewTracker(logger)
	ledger := infraction.NewLedger(app.DB.Model().Infraction(), logger)

	var pipeline *bot.Pipeline

	captchaManager := captcha.NewManager(func(o captcha.Outcome) { pipeline.HandleCaptchaOutcome(o) }, logger)
	raidDetector := raid.NewDetector(tracker, func(e raid.Ended) { pipeline.HandleRaidEnded(e) }, logger)

	// The pipeline needs a Discord client for enforcement, and the client
	// needs the pipeline for event handling. The pipeline fields that
	// depend on REST are filled in after the client exists.
	discordBot, err := bot.New(app.Config.Bot.Discord.Token, nil, logger)
	if err != nil {
		logger.Fatal("Failed to create Discord client", zap.Error(err))
	}

	restClient := discordBot.Client().Rest()
	adapter := discord.NewAdapter(restClient, logger)
	executor := enforce.NewExecutor(adapter, ledger, app.Config.Bot.RequestTimeoutDuration(), logger)
	if delay := app.Config.Common.Retry.Delay; delay > 0 {
		executor.SetRetryDelay(time.Duration(delay) * time.Millisecond)
	}

	pipeline = bot.NewPipeline(
		store,
		spam.NewDetector(tracker, logger),
		automod.NewFilter(words, logger),
		raidDetector,
		captchaManager,
		ledger,
		executor,
		discord.NewChallengeSender(restClient, logger),
		logger,
	)
	discordBot.SetPipeline(pipeline)

	var reporter *status.Reporter
	if app.StatusClient != nil {
		reporter = status.NewReporter(app.StatusClient, "sweeper", logger)
	}

	sweep := sweeper.New(
		&app.Config.Bot.Sweep,
		tracker,
		store,
		raidDetector,
		captchaManager,
		ledger,
		executor,
		reporter,
		logger,
	)
	go sweep.Run(ctx)

	if err := discordBot.Start(ctx); err != nil {
		logger.Fatal("Failed to start bot", zap.Error(err))
	}

	logger.Info("Bot started, waiting for interrupt signal")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), setup.ShutdownTimeout)
	defer cancel()

	discordBot.Close(shutdownCtx)
}
