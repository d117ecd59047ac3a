package telegram

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/presence"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/rs/zerolog"
)

// SessionHandler receives live share events
type SessionHandler interface {
	HandleOpened(ctx context.Context, ev presence.SessionOpened) (presence.Outcome, error)
	HandleHeartbeat(ctx context.Context, ev presence.SessionHeartbeat) (presence.Outcome, error)
}

// LocationHandler turns live location messages in the target group into
// session events
type LocationHandler struct {
	sessions      SessionHandler
	targetGroupID int64
	time          *timesource.Source
	logger        zerolog.Logger
}

// NewLocationHandler creates a location handler for one group
func NewLocationHandler(sessions SessionHandler, targetGroupID int64, ts *timesource.Source, logger zerolog.Logger) *LocationHandler {
	if ts == nil {
		ts = timesource.New(nil, nil)
	}
	return &LocationHandler{
		sessions:      sessions,
		targetGroupID: targetGroupID,
		time:          ts,
		logger:        logger.With().Str("component", "telegram").Str("module", "locations").Logger(),
	}
}

// HandleMessage opens a session for a new live location. Static locations,
// other chats and ordinary messages are ignored.
func (h *LocationHandler) HandleMessage(ctx context.Context, msg *tgbotapi.Message) (presence.Outcome, error) {
	log := tracing.LoggerFromContext(ctx, h.logger)

	if msg == nil || msg.Chat == nil || msg.Chat.ID != h.targetGroupID {
		return presence.OutcomeIgnored, nil
	}
	if msg.From == nil || msg.Location == nil {
		return presence.OutcomeIgnored, nil
	}
	if msg.Location.LivePeriod <= 0 {
		log.Debug().Int("message_id", msg.MessageID).Msg("Location is not live, ignored")
		return presence.OutcomeIgnored, nil
	}

	return h.sessions.HandleOpened(ctx, presence.SessionOpened{
		Key:         presence.Key{ChatID: msg.Chat.ID, MessageID: msg.MessageID},
		SubjectID:   msg.From.ID,
		DisplayName: DisplayName(msg.From),
		At:          h.time.Now(),
	})
}

// HandleEdited reports activity on a live location. An edit without a live
// location means the share has ended.
func (h *LocationHandler) HandleEdited(ctx context.Context, msg *tgbotapi.Message) (presence.Outcome, error) {
	if msg == nil || msg.Chat == nil || msg.Chat.ID != h.targetGroupID || msg.MessageID == 0 {
		return presence.OutcomeIgnored, nil
	}

	stillLive := msg.Location != nil && msg.Location.LivePeriod > 0
	return h.sessions.HandleHeartbeat(ctx, presence.SessionHeartbeat{
		Key:       presence.Key{ChatID: msg.Chat.ID, MessageID: msg.MessageID},
		At:        h.time.Now(),
		StillLive: stillLive,
	})
}

// DisplayName prefers the @username and falls back to the first name
func DisplayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return u.UserName
	}
	return u.FirstName
}
