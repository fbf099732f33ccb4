package types

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"github.com/uptrace/bun"
)

// GuildSettings holds the per-guild moderation configuration. The row is an
// immutable snapshot from the pipeline's point of view: the settings store
// replaces its cached copy wholesale whenever the row changes.
//
// Durations are stored in seconds so the dashboard can write plain integers;
// the accessor methods convert to time.Duration for the detectors.
type GuildSettings struct {
	bun.BaseModel `bun:"table:guild_settings"`

	GuildID snowflake.ID `bun:"guild_id,pk"`

	// Anti-spam detector.
	SpamEnabled        bool        `bun:"spam_enabled,notnull,default:false"`
	DuplicateThreshold int         `bun:"duplicate_threshold,notnull,default:3"`
	DuplicateWindowSec int         `bun:"duplicate_window_sec,notnull,default:10"`
	MessageThreshold   int         `bun:"message_threshold,notnull,default:5"`
	MessageWindowSec   int         `bun:"message_window_sec,notnull,default:5"`
	MentionThreshold   int         `bun:"mention_threshold,notnull,default:5"`
	MentionWindowSec   int         `bun:"mention_window_sec,notnull,default:0"`
	SpamAction         enum.Action `bun:"spam_action,notnull,default:'warn'"`
	SpamMuteSec        int         `bun:"spam_mute_sec,notnull,default:300"`

	// Content filters.
	FilterEnabled bool   `bun:"filter_enabled,notnull,default:false"`
	FilterWords   bool   `bun:"filter_words,notnull,default:false"`
	CustomWords   string `bun:"custom_words,notnull,default:''"`
	FilterInvites bool   `bun:"filter_invites,notnull,default:false"`
	FilterLinks   bool   `bun:"filter_links,notnull,default:false"`
	AllowedLinks  string `bun:"allowed_links,notnull,default:''"`

	// Raid detector.
	RaidEnabled       bool        `bun:"raid_enabled,notnull,default:false"`
	JoinThreshold     int         `bun:"join_threshold,notnull,default:10"`
	JoinWindowSec     int         `bun:"join_window_sec,notnull,default:60"`
	NewAccountAgeDays int         `bun:"new_account_age_days,notnull,default:7"`
	RaidAction        enum.Action `bun:"raid_action,notnull,default:'ban'"`
	RaidBanSec        int         `bun:"raid_ban_sec,notnull,default:604800"`

	// Captcha verification.
	CaptchaEnabled     bool             `bun:"captcha_enabled,notnull,default:false"`
	CaptchaKind        enum.CaptchaKind `bun:"captcha_kind,notnull,default:'text'"`
	CaptchaLength      int              `bun:"captcha_length,notnull,default:6"`
	CaptchaTimeoutSec  int              `bun:"captcha_timeout_sec,notnull,default:300"`
	CaptchaMaxAttempts int              `bun:"captcha_max_attempts,notnull,default:3"`
	KickOnFailure      bool             `bun:"kick_on_failure,notnull,default:true"`
	VerifiedRoleID     snowflake.ID     `bun:"verified_role_id,nullzero"`

	// Escalation ladder thresholds, counted over active infractions.
	MuteThreshold         int `bun:"mute_threshold,notnull,default:3"`
	KickThreshold         int `bun:"kick_threshold,notnull,default:2"`
	BanThreshold          int `bun:"ban_threshold,notnull,default:2"`
	EscalationLookbackDay int `bun:"escalation_lookback_day,notnull,default:30"`

	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// DefaultGuildSettings returns the documented safe default policy:
// all detectors disabled, thresholds at their dashboard defaults.
func DefaultGuildSettings(guildID snowflake.ID) *GuildSettings {
	return &GuildSettings{
		GuildID:               guildID,
		SpamEnabled:           false,
		DuplicateThreshold:    3,
		DuplicateWindowSec:    10,
		MessageThreshold:      5,
		MessageWindowSec:      5,
		MentionThreshold:      5,
		MentionWindowSec:      0,
		SpamAction:            enum.ActionWarn,
		SpamMuteSec:           300,
		FilterEnabled:         false,
		AllowedLinks:          "youtube.com,twitter.com,discord.com",
		RaidEnabled:           false,
		JoinThreshold:         10,
		JoinWindowSec:         60,
		NewAccountAgeDays:     7,
		RaidAction:            enum.ActionBan,
		RaidBanSec:            7 * 24 * 60 * 60,
		CaptchaEnabled:        false,
		CaptchaKind:           enum.CaptchaText,
		CaptchaLength:         6,
		CaptchaTimeoutSec:     300,
		CaptchaMaxAttempts:    3,
		KickOnFailure:         true,
		MuteThreshold:         3,
		KickThreshold:         2,
		BanThreshold:          2,
		EscalationLookbackDay: 30,
	}
}

// DuplicateWindow returns the duplicate-content window as a duration.
func (s *GuildSettings) DuplicateWindow() time.Duration {
	return time.Duration(s.DuplicateWindowSec) * time.Second
}

// MessageWindow returns the message-burst window as a duration.
func (s *GuildSettings) MessageWindow() time.Duration {
	return time.Duration(s.MessageWindowSec) * time.Second
}

// MentionWindow returns the mention accumulation window as a duration.
// Zero means mentions are only counted per message.
func (s *GuildSettings) MentionWindow() time.Duration {
	return time.Duration(s.MentionWindowSec) * time.Second
}

// JoinWindow returns the raid join window as a duration.
func (s *GuildSettings) JoinWindow() time.Duration {
	return time.Duration(s.JoinWindowSec) * time.Second
}

// NewAccountAge returns the account age below which a joining account
// is considered suspicious.
func (s *GuildSettings) NewAccountAge() time.Duration {
	return time.Duration(s.NewAccountAgeDays) * 24 * time.Hour
}

// CaptchaTimeout returns the verification deadline as a duration.
func (s *GuildSettings) CaptchaTimeout() time.Duration {
	return time.Duration(s.CaptchaTimeoutSec) * time.Second
}

// SpamMuteDuration returns how long spam mutes last.
func (s *GuildSettings) SpamMuteDuration() time.Duration {
	return time.Duration(s.SpamMuteSec) * time.Second
}

// RaidBanDuration returns how long raid bans last. Zero means indefinite.
func (s *GuildSettings) RaidBanDuration() time.Duration {
	return time.Duration(s.RaidBanSec) * time.Second
}

// EscalationLookback returns the window over which active infractions
// count toward escalation.
func (s *GuildSettings) EscalationLookback() time.Duration {
	return time.Duration(s.EscalationLookbackDay) * 24 * time.Hour
}

// SpamValid reports whether the anti-spam configuration is well formed.
// Malformed thresholds disable the detector instead of failing evaluation.
func (s *GuildSettings) SpamValid() bool {
	return s.DuplicateThreshold >= 0 && s.DuplicateWindowSec > 0 &&
		s.MessageThreshold >= 0 && s.MessageWindowSec > 0 &&
		s.MentionThreshold >= 0 && s.MentionWindowSec >= 0
}

// RaidValid reports whether the raid configuration is well formed.
func (s *GuildSettings) RaidValid() bool {
	return s.JoinThreshold >= 0 && s.JoinWindowSec > 0 && s.NewAccountAgeDays >= 0
}

// CaptchaValid reports whether the captcha configuration is well formed.
func (s *GuildSettings) CaptchaValid() bool {
	return s.CaptchaLength > 0 && s.CaptchaTimeoutSec > 0 && s.CaptchaMaxAttempts > 0
}
