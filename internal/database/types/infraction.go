package types

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"github.com/uptrace/bun"
)

// Infraction is one entry in the append-only sanction ledger. Rows are never
// deleted: a revoked or expired sanction is deactivated and, for revocations,
// a new row of kind revoke references the original through ReferenceID so the
// audit history stays intact.
type Infraction struct {
	bun.BaseModel `bun:"table:infractions"`

	ID          int64               `bun:"id,pk,autoincrement"`
	GuildID     snowflake.ID        `bun:"guild_id,notnull"`
	UserID      snowflake.ID        `bun:"user_id,notnull"`
	ModeratorID snowflake.ID        `bun:"moderator_id,notnull"`
	Kind        enum.InfractionKind `bun:"kind,notnull"`
	Reason      string              `bun:"reason,notnull,default:''"`

	// DurationSec is the sanction length in seconds; zero means indefinite.
	DurationSec int64 `bun:"duration_sec,notnull,default:0"`

	// ReferenceID links a revoke row to the infraction it revokes.
	ReferenceID int64 `bun:"reference_id,nullzero"`

	// EnforcementError holds the last platform failure while enforcing or
	// reversing this sanction, for operator reconciliation.
	EnforcementError string `bun:"enforcement_error,nullzero"`

	Active    bool      `bun:"active,notnull,default:true"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	ExpiresAt time.Time `bun:"expires_at,nullzero"`
}

// Duration returns the sanction length; zero means indefinite.
func (i *Infraction) Duration() time.Duration {
	return time.Duration(i.DurationSec) * time.Second
}

// Timed reports whether the sanction expires on its own.
func (i *Infraction) Timed() bool {
	return !i.ExpiresAt.IsZero()
}

// ReversalKind returns the ledger kind that records the automatic reversal
// of this sanction, or an empty kind when nothing needs reversing.
func (i *Infraction) ReversalKind() enum.InfractionKind {
	switch i.Kind {
	case enum.InfractionMute:
		return enum.InfractionUnmute
	case enum.InfractionBan:
		return enum.InfractionUnban
	case enum.InfractionWarn, enum.InfractionKick,
		enum.InfractionUnban, enum.InfractionUnmute, enum.InfractionRevoke:
		return ""
	default:
		return ""
	}
}
