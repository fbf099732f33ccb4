// Package enforce translates abstract sanctions into platform moderation
// calls with bounded retry, and records every applied sanction in the
// ledger.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"github.com/shardguard/shardguard/internal/moderation/infraction"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientPermission is returned when the platform refuses an
	// action outright. It is terminal and surfaced for operator
	// visibility, never retried or swallowed.
	ErrInsufficientPermission = errors.New("insufficient permission for enforcement action")

	// ErrForbidden classifies a platform permission refusal. Platform
	// implementations wrap their errors with it.
	ErrForbidden = errors.New("forbidden")

	// ErrTransient classifies a temporary platform failure worth one
	// retry.
	ErrTransient = errors.New("transient platform error")
)

// Discord caps communication timeouts at 28 days; longer or indefinite
// mutes are applied at the cap and re-applied if still active.
const maxTimeout = 28 * 24 * time.Hour

// Platform is the external moderation surface. Implementations classify
// failures by wrapping ErrForbidden or ErrTransient.
type Platform interface {
	DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error
	WarnUser(ctx context.Context, guildID, channelID, userID snowflake.ID, reason string) error
	TimeoutUser(ctx context.Context, guildID, userID snowflake.ID, until time.Time, reason string) error
	RemoveTimeout(ctx context.Context, guildID, userID snowflake.ID, reason string) error
	KickUser(ctx context.Context, guildID, userID snowflake.ID, reason string) error
	BanUser(ctx context.Context, guildID, userID snowflake.ID, deleteMessageDays int, reason string) error
	UnbanUser(ctx context.Context, guildID, userID snowflake.ID, reason string) error
	GrantRole(ctx context.Context, guildID, userID, roleID snowflake.ID, reason string) error
}

// Request is one sanction to carry out. ChannelID and MessageID identify the
// triggering message for content violations; it is deleted before the
// sanction is applied. Duration applies to mutes and bans, zero meaning
// indefinite.
type Request struct {
	GuildID           snowflake.ID
	UserID            snowflake.ID
	ModeratorID       snowflake.ID
	Action            enum.Action
	Reason            string
	Duration          time.Duration
	ChannelID         snowflake.ID
	MessageID         snowflake.ID
	DeleteMessageDays int
}

// Executor applies sanctions. Timed actions are scheduled for reversal by
// recording their expiry in the ledger; the executor keeps no timers of its
// own.
type Executor struct {
	platform   Platform
	ledger     *infraction.Ledger
	timeout    time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewExecutor creates an executor. timeout bounds each platform call.
func NewExecutor(platform Platform, ledger *infraction.Ledger, timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Executor{
		platform:   platform,
		ledger:     ledger,
		timeout:    timeout,
		retryDelay: time.Second,
		logger:     logger.Named("enforcement"),
	}
}

// SetRetryDelay overrides the fixed backoff between retry attempts.
func (e *Executor) SetRetryDelay(delay time.Duration) {
	e.retryDelay = delay
}

// Apply deletes the triggering message if one is referenced, carries out the
// requested action, and records it in the ledger. The ledger write happens
// only after the platform accepted the action, so the ledger never claims a
// sanction that was not applied.
func (e *Executor) Apply(ctx context.Context, req Request) error {
	if req.Action == enum.ActionNone {
		return nil
	}

	if req.ChannelID != 0 && req.MessageID != 0 {
		err := e.withRetry(ctx, func(ctx context.Context) error {
			return e.platform.DeleteMessage(ctx, req.ChannelID, req.MessageID)
		})
		if err != nil {
			// The sanction still goes ahead; the message may already
			// be gone.
			e.logger.Warn("Failed to delete triggering message",
				zap.Uint64("channelID", uint64(req.ChannelID)),
				zap.Uint64("messageID", uint64(req.MessageID)),
				zap.Error(err))
		}
	}

	if err := e.perform(ctx, req); err != nil {
		return err
	}

	kind, recordedDuration := ledgerEntry(req)

	if _, err := e.ledger.Record(ctx, req.GuildID, req.UserID, req.ModeratorID, kind, req.Reason, recordedDuration); err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}

	e.logger.Info("Applied enforcement action",
		zap.Uint64("guildID", uint64(req.GuildID)),
		zap.Uint64("userID", uint64(req.UserID)),
		zap.String("action", string(req.Action)),
		zap.Duration("duration", recordedDuration))

	return nil
}

// ApplyBulk applies the same sanction to many users concurrently, typically
// at raid onset. It returns the users whose sanction failed.
func (e *Executor) ApplyBulk(ctx context.Context, base Request, userIDs []snowflake.ID) []snowflake.ID {
	var failed []snowflake.ID

	p := pool.New().WithMaxGoroutines(8)

	results := make([]error, len(userIDs))

	for i, userID := range userIDs {
		req := base
		req.UserID = userID

		p.Go(func() {
			results[i] = e.Apply(ctx, req)
		})
	}

	p.Wait()

	for i, err := range results {
		if err != nil {
			failed = append(failed, userIDs[i])

			e.logger.Error("Bulk enforcement failed for user",
				zap.Uint64("guildID", uint64(base.GuildID)),
				zap.Uint64("userID", uint64(userIDs[i])),
				zap.Error(err))
		}
	}

	return failed
}

// Reverse undoes an expired sanction: unmute clears the timeout, unban lifts
// the ban. Called by the ledger expiry sweep.
func (e *Executor) Reverse(ctx context.Context, r infraction.Reversal) error {
	inf := r.Infraction

	switch r.Kind {
	case enum.InfractionUnmute:
		return e.withRetry(ctx, func(ctx context.Context) error {
			return e.platform.RemoveTimeout(ctx, inf.GuildID, inf.UserID, "sanction expired")
		})
	case enum.InfractionUnban:
		return e.withRetry(ctx, func(ctx context.Context) error {
			return e.platform.UnbanUser(ctx, inf.GuildID, inf.UserID, "sanction expired")
		})
	case enum.InfractionWarn, enum.InfractionMute, enum.InfractionKick,
		enum.InfractionBan, enum.InfractionRevoke:
		return nil
	default:
		return nil
	}
}

// GrantRole assigns a role with the standard retry classification, used for
// the verified role after a passed captcha.
func (e *Executor) GrantRole(ctx context.Context, guildID, userID, roleID snowflake.ID, reason string) error {
	return e.withRetry(ctx, func(ctx context.Context) error {
		return e.platform.GrantRole(ctx, guildID, userID, roleID, reason)
	})
}

func (e *Executor) perform(ctx context.Context, req Request) error {
	switch req.Action {
	case enum.ActionWarn:
		return e.withRetry(ctx, func(ctx context.Context) error {
			return e.platform.WarnUser(ctx, req.GuildID, req.ChannelID, req.UserID, req.Reason)
		})
	case enum.ActionMute:
		until := time.Now().Add(timeoutLength(req.Duration))

		return e.withRetry(ctx, func(ctx context.Context) error {
			return e.platform.TimeoutUser(ctx, req.GuildID, req.UserID, until, req.Reason)
		})
	case enum.ActionKick:
		return e.withRetry(ctx, func(ctx context.Context) error {
			return e.platform.KickUser(ctx, req.GuildID, req.UserID, req.Reason)
		})
	case enum.ActionBan:
		return e.withRetry(ctx, func(ctx context.Context) error {
			return e.platform.BanUser(ctx, req.GuildID, req.UserID, req.DeleteMessageDays, req.Reason)
		})
	case enum.ActionNone:
		return nil
	default:
		return fmt.Errorf("unknown enforcement action %q", req.Action)
	}
}

// withRetry runs the platform call, retrying once on a transient failure
// with a short fixed delay. Each attempt gets its own timeout so a stuck
// call cannot hold the event task past e.timeout, and a timed-out attempt
// counts as transient rather than surfacing a bare context error. A
// forbidden response becomes a terminal ErrInsufficientPermission
// immediately.
func (e *Executor) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := op(callCtx)

		cancel()

		if err == nil {
			return nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: platform call timed out: %w", ErrTransient, err)
		}

		if errors.Is(err, ErrForbidden) {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrInsufficientPermission, err))
		}

		if errors.Is(err, ErrTransient) {
			return err
		}

		return backoff.Permanent(err)
	}

	return backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retryDelay), 1), ctx))
}

// ledgerEntry maps an applied action onto its ledger kind and the duration
// to persist. Kicks are instantaneous and never carry one.
func ledgerEntry(req Request) (enum.InfractionKind, time.Duration) {
	switch req.Action {
	case enum.ActionWarn:
		return enum.InfractionWarn, 0
	case enum.ActionMute:
		return enum.InfractionMute, req.Duration
	case enum.ActionKick:
		return enum.InfractionKick, 0
	case enum.ActionBan:
		return enum.InfractionBan, req.Duration
	case enum.ActionNone:
		return "", 0
	default:
		return "", 0
	}
}

// timeoutLength clamps a mute to the platform's timeout ceiling; zero means
// indefinite and is applied at the ceiling.
func timeoutLength(d time.Duration) time.Duration {
	if d <= 0 || d > maxTimeout {
		return maxTimeout
	}

	return d
}
