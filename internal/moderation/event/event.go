// Package event defines the normalized inputs the moderation pipeline
// consumes, decoupled from any particular gateway library.
package event

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Message is a chat message as seen by the detectors. IsBot and IsAdmin are
// resolved by the adapter before the event enters the pipeline so detectors
// can exempt privileged senders without a member lookup.
type Message struct {
	GuildID      snowflake.ID
	ChannelID    snowflake.ID
	MessageID    snowflake.ID
	UserID       snowflake.ID
	Content      string
	MentionCount int
	IsBot        bool
	IsAdmin      bool
	Timestamp    time.Time
}

// Join is a member joining a guild. AccountCreatedAt powers the new-account
// heuristic during raid evaluation.
type Join struct {
	GuildID          snowflake.ID
	UserID           snowflake.ID
	AccountCreatedAt time.Time
	Timestamp        time.Time
}
