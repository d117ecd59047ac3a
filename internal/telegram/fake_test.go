package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/livetrack/internal/config"
	"github.com/harun/livetrack/pkg/presence"
	"github.com/harun/livetrack/pkg/report"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testGroupID int64 = -100123
	testAdminID int64 = 42
)

var testNow = time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu             sync.Mutex
	sent           []tgbotapi.MessageConfig
	requests       []tgbotapi.Chattable
	rejectMarkdown bool
	updates        chan tgbotapi.Update
	stopped        bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	if f.rejectMarkdown && msg.ParseMode == tgbotapi.ModeMarkdown {
		return tgbotapi.Message{}, errors.New("Bad Request: can't parse entities")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

type fakeSessions struct {
	mu         sync.Mutex
	opened     []presence.SessionOpened
	heartbeats []presence.SessionHeartbeat
}

func (s *fakeSessions) HandleOpened(ctx context.Context, ev presence.SessionOpened) (presence.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, ev)
	return presence.OutcomeOpened, nil
}

func (s *fakeSessions) HandleHeartbeat(ctx context.Context, ev presence.SessionHeartbeat) (presence.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, ev)
	if ev.StillLive {
		return presence.OutcomeUpdated, nil
	}
	return presence.OutcomeClosed, nil
}

type fakeReports struct {
	mu    sync.Mutex
	dates []time.Time
}

func (r *fakeReports) Build(ctx context.Context, date time.Time) report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dates = append(r.dates, date)
	return report.Report{Date: date}
}

func testTime(t *testing.T) *timesource.Source {
	t.Helper()
	loc, err := timesource.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(testNow)
	return timesource.New(mock, loc)
}

func createTestBot(t *testing.T) (*Bot, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	cfg := &config.TelegramConfig{
		BotToken:      "1:test",
		TargetGroupID: testGroupID,
		AdminIDs:      []int64{testAdminID},
	}
	bot := NewWithAPI(api, tgbotapi.User{ID: 1, UserName: "testbot", IsBot: true}, cfg, zerolog.Nop(), nil)
	return bot, api
}

func commandMessage(chatID int64, chatType string, from int64, text string) *tgbotapi.Message {
	length := len(text)
	for i, r := range text {
		if r == ' ' {
			length = i
			break
		}
	}
	return &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: from, UserName: "boss"},
		Chat:      &tgbotapi.Chat{ID: chatID, Type: chatType},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}
}

func liveLocation(chatID int64, messageID int, period int) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: messageID,
		From:      &tgbotapi.User{ID: 7, FirstName: "Alice"},
		Chat:      &tgbotapi.Chat{ID: chatID, Type: "supergroup"},
		Location:  &tgbotapi.Location{Latitude: -23.55, Longitude: -46.63, LivePeriod: period},
	}
}
