// Package enum defines the closed value sets shared by the database models
// and the moderation pipeline.
package enum

// Action is the sanction applied to a subject for a violation.
type Action string

const (
	ActionNone Action = "none"
	ActionWarn Action = "warn"
	ActionMute Action = "mute"
	ActionKick Action = "kick"
	ActionBan  Action = "ban"
)

// Severity returns the position of the action on the escalation ladder.
// Higher values are more severe.
func (a Action) Severity() int {
	switch a {
	case ActionWarn:
		return 1
	case ActionMute:
		return 2
	case ActionKick:
		return 3
	case ActionBan:
		return 4
	case ActionNone:
		return 0
	default:
		return 0
	}
}

// InfractionKind is the recorded type of a ledger entry.
type InfractionKind string

const (
	InfractionWarn   InfractionKind = "warn"
	InfractionMute   InfractionKind = "mute"
	InfractionKick   InfractionKind = "kick"
	InfractionBan    InfractionKind = "ban"
	InfractionUnban  InfractionKind = "unban"
	InfractionUnmute InfractionKind = "unmute"
	InfractionRevoke InfractionKind = "revoke"
)

// CaptchaKind selects how verification puzzles are generated.
type CaptchaKind string

const (
	// CaptchaText is a random alphanumeric code rendered as an image.
	CaptchaText CaptchaKind = "text"
	// CaptchaMath is a simple arithmetic question.
	CaptchaMath CaptchaKind = "math"
)
