// Package sweeper drives the periodic maintenance loops: window compaction,
// raid closure, captcha expiry, and infraction expiry.
package sweeper

import (
	"context"
	"time"

	"github.com/shardguard/shardguard/internal/moderation/captcha"
	"github.com/shardguard/shardguard/internal/moderation/enforce"
	"github.com/shardguard/shardguard/internal/moderation/infraction"
	"github.com/shardguard/shardguard/internal/moderation/raid"
	"github.com/shardguard/shardguard/internal/moderation/settings"
	"github.com/shardguard/shardguard/internal/moderation/window"
	"github.com/shardguard/shardguard/internal/setup/config"
	"github.com/shardguard/shardguard/internal/worker/status"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// expiryBatchSize bounds how many expired sanctions one pass reverses.
const expiryBatchSize = 200

// Sweeper owns the maintenance goroutines. Each loop is independent so a
// slow infraction sweep cannot delay captcha expiry.
type Sweeper struct {
	cfg      *config.Sweep
	tracker  *window.Tracker
	store    *settings.Store
	raid     *raid.Detector
	captcha  *captcha.Manager
	ledger   *infraction.Ledger
	executor *enforce.Executor
	reporter *status.Reporter
	logger   *zap.Logger
}

// New creates a sweeper. The reporter may be nil when Redis is unavailable;
// sweeps still run, only unmonitored.
func New(
	cfg *config.Sweep,
	tracker *window.Tracker,
	store *settings.Store,
	raidDetector *raid.Detector,
	captchaManager *captcha.Manager,
	ledger *infraction.Ledger,
	executor *enforce.Executor,
	reporter *status.Reporter,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		tracker:  tracker,
		store:    store,
		raid:     raidDetector,
		captcha:  captchaManager,
		ledger:   ledger,
		executor: executor,
		reporter: reporter,
		logger:   logger.Named("sweeper"),
	}
}

// Run starts all maintenance loops and blocks until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	if s.reporter != nil {
		s.reporter.Start(ctx)
		defer s.reporter.Stop()
	}

	var wg conc.WaitGroup

	wg.Go(func() {
		s.loop(ctx, "window compaction", s.cfg.WindowCompactionInterval(), s.compactWindows)
	})
	wg.Go(func() {
		s.loop(ctx, "raid closure", s.cfg.RaidClosureInterval(), s.closeRaids)
	})
	wg.Go(func() {
		s.loop(ctx, "captcha expiry", s.cfg.CaptchaExpiryInterval(), s.expireCaptchas)
	})
	wg.Go(func() {
		s.loop(ctx, "infraction expiry", s.cfg.InfractionExpiryInterval(), s.expireInfractions)
	})

	wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, pass func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.reporter != nil {
				s.reporter.UpdateTask(name)
			}

			if err := pass(ctx); err != nil {
				s.logger.Error("Sweep pass failed",
					zap.String("sweep", name),
					zap.Error(err))

				if s.reporter != nil {
					s.reporter.SetHealthy(false)
				}

				continue
			}

			if s.reporter != nil {
				s.reporter.SetHealthy(true)
			}
		}
	}
}

func (s *Sweeper) compactWindows(_ context.Context) error {
	removed := s.tracker.Sweep(time.Now())
	removed += s.store.Sweep()

	if removed > 0 {
		s.logger.Debug("Compacted idle state", zap.Int("removed", removed))
	}

	return nil
}

func (s *Sweeper) closeRaids(_ context.Context) error {
	if closed := s.raid.Sweep(time.Now()); closed > 0 {
		s.logger.Info("Closed quiet raids", zap.Int("closed", closed))
	}

	return nil
}

func (s *Sweeper) expireCaptchas(_ context.Context) error {
	if expired := s.captcha.Sweep(time.Now()); expired > 0 {
		s.logger.Info("Expired captcha sessions", zap.Int("expired", expired))
	}

	return nil
}

func (s *Sweeper) expireInfractions(ctx context.Context) error {
	expired, err := s.ledger.SweepExpired(ctx, expiryBatchSize, s.executor.Reverse)
	if err != nil {
		return err
	}

	if expired > 0 {
		s.logger.Info("Expired timed sanctions", zap.Int("expired", expired))
	}

	return nil
}
