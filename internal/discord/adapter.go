// Package discord adapts the enforcement surface onto the Discord REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/moderation/enforce"
	"go.uber.org/zap"
)

// Adapter implements enforce.Platform against Discord. Mutes map onto
// communication timeouts, warns onto a short-lived channel notice.
type Adapter struct {
	rest   rest.Rest
	logger *zap.Logger
}

// NewAdapter creates an adapter over the given REST client.
func NewAdapter(restClient rest.Rest, logger *zap.Logger) *Adapter {
	return &Adapter{
		rest:   restClient,
		logger: logger.Named("discord_adapter"),
	}
}

// DeleteMessage removes the triggering message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error {
	return classify(a.rest.DeleteMessage(channelID, messageID, rest.WithCtx(ctx)))
}

// WarnUser posts a notice in the violation's channel mentioning the user.
func (a *Adapter) WarnUser(ctx context.Context, _, channelID, userID snowflake.ID, reason string) error {
	if channelID == 0 {
		return nil
	}

	_, err := a.rest.CreateMessage(channelID, discord.NewMessageCreateBuilder().
		SetContentf("<@%d> %s", userID, reason).
		Build(), rest.WithCtx(ctx))

	return classify(err)
}

// TimeoutUser disables communication for the user until the given time.
func (a *Adapter) TimeoutUser(ctx context.Context, guildID, userID snowflake.ID, until time.Time, reason string) error {
	disabledUntil := json.NewNullable(until)

	_, err := a.rest.UpdateMember(guildID, userID, discord.MemberUpdate{
		CommunicationDisabledUntil: &disabledUntil,
	}, rest.WithCtx(ctx), rest.WithReason(reason))

	return classify(err)
}

// RemoveTimeout clears the user's communication timeout.
func (a *Adapter) RemoveTimeout(ctx context.Context, guildID, userID snowflake.ID, reason string) error {
	disabledUntil := json.Null[time.Time]()

	_, err := a.rest.UpdateMember(guildID, userID, discord.MemberUpdate{
		CommunicationDisabledUntil: &disabledUntil,
	}, rest.WithCtx(ctx), rest.WithReason(reason))

	return classify(err)
}

// KickUser removes the user from the guild.
func (a *Adapter) KickUser(ctx context.Context, guildID, userID snowflake.ID, reason string) error {
	return classify(a.rest.RemoveMember(guildID, userID, rest.WithCtx(ctx), rest.WithReason(reason)))
}

// BanUser bans the user, deleting up to deleteMessageDays of their history.
func (a *Adapter) BanUser(ctx context.Context, guildID, userID snowflake.ID, deleteMessageDays int, reason string) error {
	return classify(a.rest.AddBan(guildID, userID,
		time.Duration(deleteMessageDays)*24*time.Hour,
		rest.WithCtx(ctx), rest.WithReason(reason)))
}

// UnbanUser lifts a ban.
func (a *Adapter) UnbanUser(ctx context.Context, guildID, userID snowflake.ID, reason string) error {
	return classify(a.rest.DeleteBan(guildID, userID, rest.WithCtx(ctx), rest.WithReason(reason)))
}

// GrantRole assigns a role to the user.
func (a *Adapter) GrantRole(ctx context.Context, guildID, userID, roleID snowflake.ID, reason string) error {
	return classify(a.rest.AddMemberRole(guildID, userID, roleID, rest.WithCtx(ctx), rest.WithReason(reason)))
}

// classify maps Discord REST failures onto the executor's retry categories:
// permission refusals are terminal, rate limits and server errors are worth
// a retry, and transport failures are treated as transient too.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var restErr *rest.Error
	if errors.As(err, &restErr) {
		if restErr.Response == nil {
			return fmt.Errorf("%w: %w", enforce.ErrTransient, err)
		}

		switch {
		case restErr.Response.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %w", enforce.ErrForbidden, err)
		case restErr.Response.StatusCode == http.StatusTooManyRequests,
			restErr.Response.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", enforce.ErrTransient, err)
		default:
			return err
		}
	}

	return fmt.Errorf("%w: %w", enforce.ErrTransient, err)
}
