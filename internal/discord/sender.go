package discord

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/shardguard/shardguard/internal/moderation/captcha"
	"go.uber.org/zap"
)

// ChallengeSender delivers captcha puzzles over direct messages. Answers are
// accepted from any channel in the guild, so a closed DM only costs the user
// the puzzle image, not the ability to verify.
type ChallengeSender struct {
	rest   rest.Rest
	logger *zap.Logger
}

// NewChallengeSender creates a sender over the given REST client.
func NewChallengeSender(restClient rest.Rest, logger *zap.Logger) *ChallengeSender {
	return &ChallengeSender{
		rest:   restClient,
		logger: logger.Named("challenge_sender"),
	}
}

// SendChallenge DMs the puzzle to the user.
func (s *ChallengeSender) SendChallenge(ctx context.Context, session *captcha.Session) error {
	channel, err := s.rest.CreateDMChannel(session.UserID, rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to open DM channel: %w", err)
	}

	builder := discord.NewMessageCreateBuilder()

	if session.Question != "" {
		builder.SetContentf(
			"Verification required. Solve `%s` and post the answer in the server within %s.",
			session.Question, session.ExpiresAt.Sub(session.IssuedAt))
	} else {
		builder.SetContentf(
			"Verification required. Post the digits from the image in the server within %s.",
			session.ExpiresAt.Sub(session.IssuedAt)).
			AddFile("captcha.png", "verification challenge", bytes.NewReader(session.Image))
	}

	if _, err := s.rest.CreateMessage(channel.ID(), builder.Build(), rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("failed to send challenge: %w", err)
	}

	return nil
}
