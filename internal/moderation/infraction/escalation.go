package infraction

import (
	"time"

	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/database/types/enum"
)

// NextAction derives the sanction for a new violation from the subject's
// history within the escalation lookback. Warns and mutes count only while
// active; kicks count whenever they happened, since a kick completes
// immediately and never stays active. The highest-severity action whose
// threshold is met wins; with no threshold met the base action is a warn.
//
// A threshold of zero or below disables that escalation step.
func NextAction(history []*types.Infraction, cfg *types.GuildSettings, now time.Time) enum.Action {
	cutoff := now.Add(-cfg.EscalationLookback())

	var warns, mutes, kicks int

	for _, inf := range history {
		if inf.CreatedAt.Before(cutoff) {
			continue
		}

		switch inf.Kind {
		case enum.InfractionWarn:
			if inf.Active {
				warns++
			}
		case enum.InfractionMute:
			if inf.Active {
				mutes++
			}
		case enum.InfractionKick:
			kicks++
		case enum.InfractionBan, enum.InfractionUnban,
			enum.InfractionUnmute, enum.InfractionRevoke:
		}
	}

	switch {
	case cfg.BanThreshold > 0 && kicks >= cfg.BanThreshold:
		return enum.ActionBan
	case cfg.KickThreshold > 0 && mutes >= cfg.KickThreshold:
		return enum.ActionKick
	case cfg.MuteThreshold > 0 && warns >= cfg.MuteThreshold:
		return enum.ActionMute
	default:
		return enum.ActionWarn
	}
}
