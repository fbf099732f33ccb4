// Package bot connects the moderation pipeline to the Discord gateway.
package bot

import (
	"context"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/shardguard/shardguard/internal/moderation/event"
	"go.uber.org/zap"
)

// Bot owns the gateway connection and translates Discord events into
// pipeline events.
type Bot struct {
	client   bot.Client
	pipeline *Pipeline
	logger   *zap.Logger
}

// New configures the Discord client with the gateway intents the pipeline
// needs: guild messages with content for the detectors, members for joins.
// The pipeline may be nil at construction and attached with SetPipeline once
// its REST-dependent parts exist; events arriving before then are dropped.
func New(token string, pipeline *Pipeline, logger *zap.Logger) (*Bot, error) {
	b := &Bot{
		pipeline: pipeline,
		logger:   logger.Named("bot"),
	}

	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMessages,
				gateway.IntentMessageContent,
				gateway.IntentGuildMembers,
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds|cache.FlagRoles|cache.FlagMembers),
		),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnGuildMessageCreate: b.handleMessage,
			OnGuildMemberJoin:    b.handleJoin,
		}),
	)
	if err != nil {
		return nil, err
	}

	b.client = client

	return b, nil
}

// Client exposes the underlying Discord client for REST wiring.
func (b *Bot) Client() bot.Client {
	return b.client
}

// SetPipeline attaches the event pipeline. Must be called before Start.
func (b *Bot) SetPipeline(pipeline *Pipeline) {
	b.pipeline = pipeline
}

// Start opens the gateway connection.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("Starting gateway connection")

	return b.client.OpenGateway(ctx)
}

// Close shuts the gateway down gracefully.
func (b *Bot) Close(ctx context.Context) {
	b.logger.Info("Closing gateway connection")
	b.client.Close(ctx)
}

// handleMessage runs the pipeline in its own goroutine. disgo dispatches
// listener callbacks sequentially, so blocking here (settings fetch on a
// cache miss, platform calls with retry) would stall every guild's events.
func (b *Bot) handleMessage(e *events.GuildMessageCreate) {
	if b.pipeline == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Panic in message handler", zap.Any("panic", r))
			}
		}()

		msg := e.Message

		isAdmin := false
		if msg.Member != nil {
			isAdmin = b.client.Caches().MemberPermissions(discord.Member{
				GuildID: e.GuildID,
				User:    msg.Author,
				RoleIDs: msg.Member.RoleIDs,
			}).Has(discord.PermissionAdministrator)
		}

		timestamp := msg.CreatedAt
		if timestamp.IsZero() {
			timestamp = time.Now()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		b.pipeline.HandleMessage(ctx, event.Message{
			GuildID:      e.GuildID,
			ChannelID:    msg.ChannelID,
			MessageID:    msg.ID,
			UserID:       msg.Author.ID,
			Content:      msg.Content,
			MentionCount: len(msg.Mentions),
			IsBot:        msg.Author.Bot,
			IsAdmin:      isAdmin,
			Timestamp:    timestamp,
		})
	}()
}

func (b *Bot) handleJoin(e *events.GuildMemberJoin) {
	if b.pipeline == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Panic in join handler", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		b.pipeline.HandleJoin(ctx, event.Join{
			GuildID:          e.GuildID,
			UserID:           e.Member.User.ID,
			AccountCreatedAt: e.Member.User.ID.Time(),
			Timestamp:        time.Now(),
		})
	}()
}
