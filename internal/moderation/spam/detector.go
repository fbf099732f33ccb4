// Package spam detects duplicate, burst, and mention flooding in chat
// messages using sliding rate windows.
package spam

import (
	"fmt"
	"time"

	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/moderation/event"
	"github.com/shardguard/shardguard/internal/moderation/window"
	"github.com/shardguard/shardguard/pkg/utils"
	"go.uber.org/zap"
)

// Rule identifies which spam check a violation came from.
type Rule string

const (
	RuleDuplicate Rule = "duplicate_spam"
	RuleBurst     Rule = "message_burst"
	RuleMention   Rule = "mention_spam"
)

// Violation describes a triggered spam rule. Count is the windowed total that
// crossed Threshold, including the current message.
type Violation struct {
	Rule      Rule
	Count     int
	Threshold int
}

// Detector evaluates messages against a guild's spam policy. It is safe for
// concurrent use; all mutable state lives in the shared rate tracker.
type Detector struct {
	tracker    *window.Tracker
	normalizer *utils.TextNormalizer
	logger     *zap.Logger
}

// NewDetector creates a spam detector backed by the given rate tracker.
func NewDetector(tracker *window.Tracker, logger *zap.Logger) *Detector {
	return &Detector{
		tracker:    tracker,
		normalizer: utils.NewTextNormalizer(),
		logger:     logger.Named("spam_detector"),
	}
}

// Check records the message in the rate windows and returns the first
// violation it triggers, or nil. Rules run in order (duplicate, burst,
// mention) and short-circuit on the first match. A count must exceed its
// threshold to trigger, so the threshold itself is the allowance. Bots and
// administrators are exempt and leave no trace in the counters, as does a
// guild whose spam policy is disabled or malformed.
func (d *Detector) Check(msg event.Message, cfg *types.GuildSettings) *Violation {
	if !cfg.SpamEnabled || !cfg.SpamValid() {
		return nil
	}

	if msg.IsBot || msg.IsAdmin {
		return nil
	}

	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	if hash := d.normalizer.ContentHash(msg.Content); hash != 0 {
		key := window.Key{
			GuildID:   msg.GuildID,
			SubjectID: msg.UserID,
			Metric:    fmt.Sprintf("dup:%x", hash),
		}

		if count := d.tracker.Observe(key, 1, cfg.DuplicateWindow(), now); count > cfg.DuplicateThreshold {
			d.logViolation(msg, RuleDuplicate, count, cfg.DuplicateThreshold)

			return &Violation{Rule: RuleDuplicate, Count: count, Threshold: cfg.DuplicateThreshold}
		}
	}

	burstKey := window.Key{GuildID: msg.GuildID, SubjectID: msg.UserID, Metric: "messages"}
	if count := d.tracker.Observe(burstKey, 1, cfg.MessageWindow(), now); count > cfg.MessageThreshold {
		d.logViolation(msg, RuleBurst, count, cfg.MessageThreshold)

		return &Violation{Rule: RuleBurst, Count: count, Threshold: cfg.MessageThreshold}
	}

	mentionCount := msg.MentionCount
	if cfg.MentionWindowSec > 0 && msg.MentionCount > 0 {
		mentionKey := window.Key{GuildID: msg.GuildID, SubjectID: msg.UserID, Metric: "mentions"}
		mentionCount = d.tracker.Observe(mentionKey, msg.MentionCount, cfg.MentionWindow(), now)
	}

	if mentionCount > cfg.MentionThreshold {
		d.logViolation(msg, RuleMention, mentionCount, cfg.MentionThreshold)

		return &Violation{Rule: RuleMention, Count: mentionCount, Threshold: cfg.MentionThreshold}
	}

	return nil
}

// ResetUser clears a user's spam counters, typically after an enforcement
// action so the same burst is not punished twice.
func (d *Detector) ResetUser(msg event.Message) {
	d.tracker.Reset(window.Key{GuildID: msg.GuildID, SubjectID: msg.UserID, Metric: "messages"})
	d.tracker.Reset(window.Key{GuildID: msg.GuildID, SubjectID: msg.UserID, Metric: "mentions"})

	if hash := d.normalizer.ContentHash(msg.Content); hash != 0 {
		d.tracker.Reset(window.Key{
			GuildID:   msg.GuildID,
			SubjectID: msg.UserID,
			Metric:    fmt.Sprintf("dup:%x", hash),
		})
	}
}

func (d *Detector) logViolation(msg event.Message, rule Rule, count, threshold int) {
	d.logger.Debug("Spam rule triggered",
		zap.Uint64("guildID", uint64(msg.GuildID)),
		zap.Uint64("userID", uint64(msg.UserID)),
		zap.String("rule", string(rule)),
		zap.Int("count", count),
		zap.Int("threshold", threshold))
}
