package telegram

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/report"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/rs/zerolog"
)

// ReportBuilder produces the status report for a day
type ReportBuilder interface {
	Build(ctx context.Context, date time.Time) report.Report
}

// CommandFunc is a function that handles a command
type CommandFunc func(ctx context.Context, cc CommandContext) error

// CommandContext contains command metadata
type CommandContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Private   bool
	Command   string
	Args      []string
	RawArgs   string
}

// Commands dispatches bot commands. Only admins in a private chat are served;
// everyone else is logged and ignored.
type Commands struct {
	bot      *Bot
	reports  ReportBuilder
	time     *timesource.Source
	logger   zerolog.Logger
	handlers map[string]CommandFunc
	help     map[string]string
}

// NewCommands creates the command handler with /start, /help and /status
func NewCommands(bot *Bot, reports ReportBuilder, ts *timesource.Source) *Commands {
	if ts == nil {
		ts = timesource.New(nil, nil)
	}
	c := &Commands{
		bot:      bot,
		reports:  reports,
		time:     ts,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]CommandFunc),
		help:     make(map[string]string),
	}

	c.Register("start", "Welcome message", c.start)
	c.Register("help", "Show this message", c.helpCommand)
	c.Register("status", "[dd/mm/yyyy] Completed and live shares for a day (today if omitted)", c.status)
	return c
}

// Register registers a command handler
func (c *Commands) Register(command, description string, handler CommandFunc) {
	c.handlers[command] = handler
	c.help[command] = description
	c.logger.Debug().Str("command", command).Msg("Command registered")
}

// BotCommands lists the registered commands for Telegram's command menu
func (c *Commands) BotCommands() []tgbotapi.BotCommand {
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]tgbotapi.BotCommand, 0, len(names))
	for _, name := range names {
		out = append(out, tgbotapi.BotCommand{Command: name, Description: c.help[name]})
	}
	return out
}

// HandleCommand processes an incoming command message
func (c *Commands) HandleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	if msg == nil || !msg.IsCommand() || msg.Chat == nil {
		return nil
	}

	cc := CommandContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Private:   msg.Chat.IsPrivate(),
		Command:   msg.Command(),
		Args:      strings.Fields(msg.CommandArguments()),
		RawArgs:   msg.CommandArguments(),
	}
	if msg.From != nil {
		cc.UserID = msg.From.ID
		cc.Username = DisplayName(msg.From)
	}

	log := tracing.LoggerFromContext(ctx, c.logger).With().
		Int64("chat_id", cc.ChatID).
		Int64("user_id", cc.UserID).
		Str("command", cc.Command).
		Logger()

	allowed := msg.From != nil && cc.Private && c.bot.config.IsAdmin(cc.UserID)
	c.bot.metrics.CommandReceived(cc.Command, allowed)
	if !allowed {
		log.Warn().Bool("private", cc.Private).Msg("Command from non-admin or outside a private chat ignored")
		observability.RecordAccessAudit(ctx, "command_denied", fmt.Sprint(cc.UserID), "denied", map[string]interface{}{
			"command": cc.Command,
			"chat_id": cc.ChatID,
		})
		return nil
	}

	log.Debug().Strs("args", cc.Args).Msg("Command received")

	handler, exists := c.handlers[cc.Command]
	if !exists {
		return c.bot.SendMessage(ctx, cc.ChatID, fmt.Sprintf("Unknown command: /%s", cc.Command), cc.MessageID)
	}

	return handler(ctx, cc)
}

func (c *Commands) start(ctx context.Context, cc CommandContext) error {
	text := fmt.Sprintf(
		"Hello admin <b>%s</b>!\nTracking live locations in group <code>%d</code>.\nUse /status to see today's shares or /help for commands.",
		html.EscapeString(cc.Username),
		c.bot.config.TargetGroupID,
	)
	return c.bot.SendHTML(ctx, cc.ChatID, text, cc.MessageID)
}

func (c *Commands) helpCommand(ctx context.Context, cc CommandContext) error {
	var b strings.Builder
	b.WriteString("Available commands (admins, private chat only):\n")
	for _, cmd := range c.BotCommands() {
		fmt.Fprintf(&b, "/%s - %s\n", cmd.Command, cmd.Description)
	}
	b.WriteString("\nHow it works:\n")
	b.WriteString("1. Members share a live location in the tracked group.\n")
	b.WriteString("2. The bot records start and end and writes the share to the ledger.\n")
	b.WriteString("3. Admins use /status here to review the day.")
	return c.bot.SendMessage(ctx, cc.ChatID, b.String(), cc.MessageID)
}

func (c *Commands) status(ctx context.Context, cc CommandContext) error {
	log := tracing.LoggerFromContext(ctx, c.logger)
	loc := c.time.Display()
	now := c.time.Now()

	var arg string
	if len(cc.Args) > 0 {
		arg = cc.Args[0]
	}

	date, err := report.ParseDate(arg, now, loc)
	if err != nil {
		log.Info().Str("arg", arg).Msg("Invalid /status date, using today")
		if err := c.bot.SendMessage(ctx, cc.ChatID, "Invalid date format. Use DD/MM/YYYY or YYYY-MM-DD. Showing today.", cc.MessageID); err != nil {
			log.Error().Err(err).Msg("Failed to send date notice")
		}
		date, _ = report.ParseDate("", now, loc)
	}

	log.Info().
		Str("requested_by", cc.Username).
		Str("date", date.Format("02/01/2006")).
		Msg("Status requested")

	r := c.reports.Build(ctx, date)
	r.RequestedBy = cc.Username

	return c.bot.SendMarkdown(ctx, cc.ChatID, report.Render(r), cc.MessageID)
}
