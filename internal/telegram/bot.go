package telegram

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/livetrack/internal/config"
	"github.com/harun/livetrack/internal/logger"
	"github.com/harun/livetrack/internal/metrics"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/report"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// API is the part of the Bot API client the bot uses. *tgbotapi.BotAPI
// satisfies it.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot represents a Telegram bot instance
type Bot struct {
	api     API
	self    tgbotapi.User
	config  *config.TelegramConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// Handlers
	locations *LocationHandler
	commands  *Commands

	// State
	running  atomic.Bool
	inflight sync.WaitGroup
}

// New authenticates against Telegram and creates a bot
func New(cfg *config.TelegramConfig, log *logger.Logger, m *metrics.Metrics) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := NewWithAPI(api, api.Self, cfg, log.GetZerolog(), m)

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

// NewWithAPI creates a bot over an existing API client
func NewWithAPI(api API, self tgbotapi.User, cfg *config.TelegramConfig, log zerolog.Logger, m *metrics.Metrics) *Bot {
	return &Bot{
		api:     api,
		self:    self,
		config:  cfg,
		logger:  log.With().Str("component", "telegram").Logger(),
		metrics: m,
	}
}

// SetLocationHandler sets the handler for live location messages
func (b *Bot) SetLocationHandler(h *LocationHandler) {
	b.locations = h
}

// SetCommands sets the command handler
func (b *Bot) SetCommands(c *Commands) {
	b.commands = c
}

// Run polls for updates until ctx is done. Location updates are handled in
// arrival order; commands run concurrently. Run returns once in-flight
// commands have finished.
func (b *Bot) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bot is already running")
	}
	defer b.running.Store(false)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "edited_message"}

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Int64("target_group_id", b.config.TargetGroupID).Msg("Telegram bot started")

	defer func() {
		b.inflight.Wait()
		b.logger.Info().Msg("Telegram bot stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// IsRunning returns whether the bot is polling
func (b *Bot) IsRunning() bool {
	return b.running.Load()
}

// Self returns the bot's own account
func (b *Bot) Self() tgbotapi.User {
	return b.self
}

// handleUpdate routes an update to the appropriate handler
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	ctx = tracing.NewUpdateContext(ctx, update.UpdateID)
	log := tracing.LoggerFromContext(ctx, b.logger)

	if log.GetLevel() <= zerolog.DebugLevel {
		ev := log.Debug().Str("kind", updateKind(update))
		if chat := update.FromChat(); chat != nil {
			ev = ev.Int64("chat_id", chat.ID)
		}
		if from := update.SentFrom(); from != nil {
			ev = ev.Int64("user_id", from.ID)
		}
		ev.Interface("update", update).Msg("Raw update")
	}
	b.metrics.UpdateReceived(updateKind(update))

	switch {
	case update.Message != nil && update.Message.IsCommand():
		if b.commands == nil {
			return
		}
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			if err := b.commands.HandleCommand(ctx, update.Message); err != nil {
				log.Error().Err(err).Str("command", update.Message.Command()).Msg("Failed to handle command")
			}
		}()

	case update.Message != nil:
		if b.locations == nil {
			return
		}
		if _, err := b.locations.HandleMessage(ctx, update.Message); err != nil {
			log.Error().Err(err).Msg("Failed to handle location message")
		}

	case update.EditedMessage != nil:
		if b.locations == nil {
			return
		}
		if _, err := b.locations.HandleEdited(ctx, update.EditedMessage); err != nil {
			log.Error().Err(err).Msg("Failed to handle edited message")
		}
	}
}

func updateKind(update tgbotapi.Update) string {
	switch {
	case update.Message != nil && update.Message.IsCommand():
		return "command"
	case update.Message != nil && update.Message.Location != nil:
		return "location"
	case update.Message != nil:
		return "message"
	case update.EditedMessage != nil && update.EditedMessage.Location != nil:
		return "edited_location"
	case update.EditedMessage != nil:
		return "edited_message"
	default:
		return "other"
	}
}

// SendMessage sends a plain text message, as a reply when replyTo is non-zero
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string, replyTo int) error {
	return b.send(ctx, chatID, text, "", replyTo)
}

// SendHTML sends an HTML formatted message
func (b *Bot) SendHTML(ctx context.Context, chatID int64, text string, replyTo int) error {
	return b.send(ctx, chatID, text, tgbotapi.ModeHTML, replyTo)
}

// SendMarkdown sends a Markdown message. If Telegram rejects it, the text is
// sent again with the markup stripped.
func (b *Bot) SendMarkdown(ctx context.Context, chatID int64, text string, replyTo int) error {
	err := b.send(ctx, chatID, text, tgbotapi.ModeMarkdown, replyTo)
	if err == nil {
		return nil
	}

	log := tracing.LoggerFromContext(ctx, b.logger)
	log.Warn().
		Err(err).
		Int64("chat_id", chatID).
		Msg("Markdown message rejected, resending as plain text")

	return b.send(ctx, chatID, report.PlainText(text), "", replyTo)
}

func (b *Bot) send(ctx context.Context, chatID int64, text, parseMode string, replyTo int) error {
	format := parseMode
	if format == "" {
		format = "plain"
	}
	_, span := tracing.StartSpan(ctx, "telegram.send",
		attribute.Int64("chat_id", chatID),
		attribute.String("format", format),
	)
	defer span.End()

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	msg.ReplyToMessageID = replyTo

	if _, err := b.api.Send(msg); err != nil {
		tracing.Fail(span, err)
		b.metrics.APIError("send")
		return fmt.Errorf("failed to send message: %w", err)
	}
	b.metrics.MessageSent(format)

	log := tracing.LoggerFromContext(ctx, b.logger)
	log.Debug().
		Int64("chat_id", chatID).
		Str("format", format).
		Msg("Message sent")

	return nil
}

// RegisterCommands publishes the command list shown by Telegram clients
func (b *Bot) RegisterCommands(commands []tgbotapi.BotCommand) error {
	cfg := tgbotapi.NewSetMyCommandsWithScope(tgbotapi.NewBotCommandScopeAllPrivateChats(), commands...)
	if _, err := b.api.Request(cfg); err != nil {
		b.metrics.APIError("set_commands")
		return fmt.Errorf("failed to set commands: %w", err)
	}

	b.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}
