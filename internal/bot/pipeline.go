package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"github.com/shardguard/shardguard/internal/moderation/automod"
	"github.com/shardguard/shardguard/internal/moderation/captcha"
	"github.com/shardguard/shardguard/internal/moderation/enforce"
	"github.com/shardguard/shardguard/internal/moderation/event"
	"github.com/shardguard/shardguard/internal/moderation/infraction"
	"github.com/shardguard/shardguard/internal/moderation/raid"
	"github.com/shardguard/shardguard/internal/moderation/settings"
	"github.com/shardguard/shardguard/internal/moderation/spam"
	"go.uber.org/zap"
)

// ChallengeSender delivers a freshly issued captcha puzzle to the user,
// typically over a direct message. Delivery failure does not cancel the
// session; the sweep still times it out.
type ChallengeSender interface {
	SendChallenge(ctx context.Context, session *captcha.Session) error
}

// Pipeline routes inbound events through detection, escalation, and
// enforcement. One Pipeline serves all guilds.
type Pipeline struct {
	settings *settings.Store
	spam     *spam.Detector
	filter   *automod.Filter
	raid     *raid.Detector
	captcha  *captcha.Manager
	ledger   *infraction.Ledger
	executor *enforce.Executor
	sender   ChallengeSender
	logger   *zap.Logger
}

// NewPipeline wires the moderation components together. The captcha manager
// and raid detector must have been constructed with this pipeline's outcome
// handlers.
func NewPipeline(
	store *settings.Store,
	spamDetector *spam.Detector,
	filter *automod.Filter,
	raidDetector *raid.Detector,
	captchaManager *captcha.Manager,
	ledger *infraction.Ledger,
	executor *enforce.Executor,
	sender ChallengeSender,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		settings: store,
		spam:     spamDetector,
		filter:   filter,
		raid:     raidDetector,
		captcha:  captchaManager,
		ledger:   ledger,
		executor: executor,
		sender:   sender,
		logger:   logger.Named("pipeline"),
	}
}

// HandleMessage processes one chat message. A user with a pending captcha
// has the message treated as a challenge answer and nothing else. Otherwise
// the content filter runs first, then the spam rules; the first violation
// wins and is enforced exactly once for this message.
func (p *Pipeline) HandleMessage(ctx context.Context, msg event.Message) {
	cfg := p.settings.Get(ctx, msg.GuildID)

	if p.captcha.Active(msg.GuildID, msg.UserID) {
		result := p.captcha.Submit(msg.GuildID, msg.UserID, msg.Content)
		if result != captcha.ResultNoActiveSession {
			return
		}
	}

	if v := p.filter.Check(msg, cfg); v != nil {
		p.enforceContent(ctx, msg, cfg,
			fmt.Sprintf("content filter: %s (%s)", v.Kind, v.Match))

		return
	}

	if v := p.spam.Check(msg, cfg); v != nil {
		p.enforceSpam(ctx, msg, cfg, v)
	}
}

// HandleJoin processes one member join: raid evaluation first, then the
// verification challenge for guilds that require one.
func (p *Pipeline) HandleJoin(ctx context.Context, join event.Join) {
	cfg := p.settings.Get(ctx, join.GuildID)

	sig := p.raid.ObserveJoin(join, cfg)

	switch {
	case sig.Started:
		// Sanction everyone attributed at onset, including joiners from
		// before the threshold was crossed.
		failed := p.executor.ApplyBulk(ctx, enforce.Request{
			GuildID:  join.GuildID,
			Action:   cfg.RaidAction,
			Reason:   fmt.Sprintf("raid detected: %d joins within %s", sig.AffectedCount, cfg.JoinWindow()),
			Duration: cfg.RaidBanDuration(),
		}, sig.Participants)

		if len(failed) > 0 {
			p.logger.Error("Raid enforcement incomplete",
				zap.Uint64("guildID", uint64(join.GuildID)),
				zap.Int("failed", len(failed)))
		}

		return
	case sig.IsRaid:
		err := p.executor.Apply(ctx, enforce.Request{
			GuildID:  join.GuildID,
			UserID:   join.UserID,
			Action:   cfg.RaidAction,
			Reason:   "joined during active raid",
			Duration: cfg.RaidBanDuration(),
		})
		if err != nil {
			p.logger.Error("Failed to sanction raid joiner",
				zap.Uint64("guildID", uint64(join.GuildID)),
				zap.Uint64("userID", uint64(join.UserID)),
				zap.Error(err))
		}

		return
	}

	if cfg.CaptchaEnabled {
		p.issueChallenge(ctx, join.GuildID, join.UserID, cfg)
	}
}

// HandleCaptchaOutcome reacts to a terminal captcha state: a pass grants the
// verified role, a fail or timeout kicks when the policy says so. Wire it as
// the captcha manager's outcome handler.
func (p *Pipeline) HandleCaptchaOutcome(o captcha.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch o.State {
	case captcha.StateVerified:
		if o.VerifiedRoleID == 0 {
			return
		}

		if err := p.executor.GrantRole(ctx, o.GuildID, o.UserID, o.VerifiedRoleID, "captcha passed"); err != nil {
			p.logger.Error("Failed to grant verified role",
				zap.Uint64("guildID", uint64(o.GuildID)),
				zap.Uint64("userID", uint64(o.UserID)),
				zap.Error(err))
		}
	case captcha.StateFailed, captcha.StateExpired:
		if !o.KickOnFailure {
			return
		}

		err := p.executor.Apply(ctx, enforce.Request{
			GuildID: o.GuildID,
			UserID:  o.UserID,
			Action:  enum.ActionKick,
			Reason:  fmt.Sprintf("captcha %s after %d attempts", o.State, o.Attempts),
		})
		if err != nil {
			p.logger.Error("Failed to kick unverified user",
				zap.Uint64("guildID", uint64(o.GuildID)),
				zap.Uint64("userID", uint64(o.UserID)),
				zap.Error(err))
		}
	case captcha.StateIssued:
	}
}

// HandleRaidEnded is the raid detector's closure hook.
func (p *Pipeline) HandleRaidEnded(e raid.Ended) {
	p.logger.Info("Raid closed",
		zap.Uint64("guildID", uint64(e.GuildID)),
		zap.Time("startedAt", e.StartedAt),
		zap.Time("endedAt", e.EndedAt),
		zap.Int("participants", e.Count))
}

// enforceContent handles filter violations: the message is always deleted
// and the user warned.
func (p *Pipeline) enforceContent(ctx context.Context, msg event.Message, _ *types.GuildSettings, reason string) {
	err := p.executor.Apply(ctx, enforce.Request{
		GuildID:   msg.GuildID,
		UserID:    msg.UserID,
		Action:    enum.ActionWarn,
		Reason:    reason,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
	})
	if err != nil {
		p.logger.Error("Content enforcement failed",
			zap.Uint64("guildID", uint64(msg.GuildID)),
			zap.Uint64("userID", uint64(msg.UserID)),
			zap.Error(err))
	}
}

// enforceSpam applies the guild's configured spam action, escalated past a
// warn when the subject's recent ledger history crosses a threshold.
func (p *Pipeline) enforceSpam(ctx context.Context, msg event.Message, cfg *types.GuildSettings, v *spam.Violation) {
	action := cfg.SpamAction

	if action == enum.ActionWarn {
		history, err := p.ledger.Recent(ctx, msg.GuildID, msg.UserID, cfg.EscalationLookback())
		if err != nil {
			p.logger.Warn("Escalation lookup failed, applying base action",
				zap.Uint64("guildID", uint64(msg.GuildID)),
				zap.Uint64("userID", uint64(msg.UserID)),
				zap.Error(err))
		} else if next := infraction.NextAction(history, cfg, time.Now()); next.Severity() > action.Severity() {
			action = next
		}
	}

	var duration time.Duration
	if action == enum.ActionMute {
		duration = cfg.SpamMuteDuration()
	}

	err := p.executor.Apply(ctx, enforce.Request{
		GuildID:   msg.GuildID,
		UserID:    msg.UserID,
		Action:    action,
		Reason:    fmt.Sprintf("%s: %d within limit %d", v.Rule, v.Count, v.Threshold),
		Duration:  duration,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
	})
	if err != nil {
		p.logger.Error("Spam enforcement failed",
			zap.Uint64("guildID", uint64(msg.GuildID)),
			zap.Uint64("userID", uint64(msg.UserID)),
			zap.String("rule", string(v.Rule)),
			zap.Error(err))
	}
}

func (p *Pipeline) issueChallenge(ctx context.Context, guildID, userID snowflake.ID, cfg *types.GuildSettings) {
	session, err := p.captcha.Issue(guildID, userID, cfg)
	if err != nil {
		p.logger.Error("Failed to issue captcha",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))

		return
	}

	if session == nil || p.sender == nil {
		return
	}

	if err := p.sender.SendChallenge(ctx, session); err != nil {
		p.logger.Warn("Failed to deliver captcha challenge",
			zap.Uint64("guildID", uint64(guildID)),
			zap.Uint64("userID", uint64(userID)),
			zap.Error(err))
	}
}
