package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/harun/livetrack/pkg/ledger"
	"github.com/harun/livetrack/pkg/presence"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLedger struct {
	rows [][]string
	err  error
}

func (l staticLedger) Rows(ctx context.Context) ([][]string, error) {
	return l.rows, l.err
}

func row(loc *time.Location, subjectID int64, name string, start time.Time, seconds int) []string {
	values := ledger.NewRecord(subjectID, name, start, start.Add(time.Duration(seconds)*time.Second)).Values(loc)
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprint(v)
	}
	return out
}

func testSource(t *testing.T, now time.Time) *timesource.Source {
	t.Helper()
	loc, err := timesource.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(now)
	return timesource.New(mock, loc)
}

func TestAggregator_GroupsAndTotals(t *testing.T) {
	// 15/03/2024 18:00 in Sao Paulo
	ts := testSource(t, time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC))
	loc := ts.Display()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, loc)

	rows := [][]string{
		ledger.Columns,
		row(loc, 2, "bob", day.Add(14*time.Hour), 900),
		row(loc, 1, "alice", day.Add(9*time.Hour), 300),
		row(loc, 2, "bob", day.Add(9*time.Hour), 600),
		row(loc, 2, "bob", day.Add(-2*time.Hour), 1200), // previous day
	}

	agg := NewAggregator(staticLedger{rows: rows}, nil, ts, 9*time.Hour, zerolog.Nop())
	r := agg.Build(context.Background(), day)

	require.NoError(t, r.LedgerErr)
	require.Len(t, r.Subjects, 2)
	assert.Equal(t, "alice", r.Subjects[0].Name)
	assert.Equal(t, "bob", r.Subjects[1].Name)

	bob := r.Subjects[1]
	require.Len(t, bob.Records, 2)
	assert.Equal(t, "09:00:00", bob.Records[0].StartHMS)
	assert.Equal(t, "14:00:00", bob.Records[1].StartHMS)
	assert.Equal(t, int64(1500), bob.TotalSeconds)
	assert.Equal(t, "00:25:00", ledger.FormatDuration(bob.TotalSeconds))
	assert.Equal(t, int64(1800), r.TotalSeconds)

	text := Render(r)
	assert.Contains(t, text, "Status for 15/03/2024")
	assert.Contains(t, text, "Total bob: 00:25:00")
	assert.Contains(t, text, "09:00:00 to 09:10:00 | ⏳ 00:10:00")
	assert.Less(t, strings.Index(text, "09:00:00 to 09:10:00"), strings.Index(text, "14:00:00 to 14:15:00"))
	assert.Contains(t, text, "Grand total completed (15/03/2024): 00:30:00")
}

func TestAggregator_NameFallbacks(t *testing.T) {
	ts := testSource(t, time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC))
	loc := ts.Display()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, loc)

	noName := row(loc, 42, "", day.Add(8*time.Hour), 60)
	noID := row(loc, 0, "", day.Add(9*time.Hour), 60)
	noID[0] = ""

	agg := NewAggregator(staticLedger{rows: [][]string{ledger.Columns, noName, noID}}, nil, ts, 0, zerolog.Nop())
	r := agg.Build(context.Background(), day)

	names := []string{}
	for _, s := range r.Subjects {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"Row 3", "UserID 42"}, names)
}

func TestAggregator_ColumnsLocatedByName(t *testing.T) {
	ts := testSource(t, time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC))
	loc := ts.Display()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, loc)

	// reverse the column order
	header := make([]string, len(ledger.Columns))
	data := row(loc, 2, "bob", day.Add(9*time.Hour), 600)
	reversed := make([]string, len(data))
	for i := range ledger.Columns {
		header[len(header)-1-i] = ledger.Columns[i]
		reversed[len(reversed)-1-i] = data[i]
	}

	agg := NewAggregator(staticLedger{rows: [][]string{header, reversed}}, nil, ts, 0, zerolog.Nop())
	r := agg.Build(context.Background(), day)

	require.Len(t, r.Subjects, 1)
	assert.Equal(t, int64(600), r.Subjects[0].TotalSeconds)
}

func TestAggregator_MissingColumns(t *testing.T) {
	ts := testSource(t, time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC))

	rows := [][]string{
		{"UserID", "Username", "StartTimeBR"},
		{"1", "bob", "15/03/2024 09:00:00"},
	}
	agg := NewAggregator(staticLedger{rows: rows}, nil, ts, 0, zerolog.Nop())
	r := agg.Build(context.Background(), ts.NowDisplay())

	var missing *MissingColumnsError
	require.True(t, errors.As(r.LedgerErr, &missing))
	assert.Contains(t, missing.Columns, ledger.ColDurationSeconds)
	assert.Contains(t, Render(r), "not found")
}

func TestAggregator_LedgerUnavailable(t *testing.T) {
	ts := testSource(t, time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC))

	agg := NewAggregator(staticLedger{err: errors.New("down")}, nil, ts, 0, zerolog.Nop())
	r := agg.Build(context.Background(), ts.NowDisplay())

	assert.Error(t, r.LedgerErr)
	assert.Contains(t, Render(r), "History unavailable")

	r = NewAggregator(nil, nil, ts, 0, zerolog.Nop()).Build(context.Background(), ts.NowDisplay())
	assert.Error(t, r.LedgerErr)
}

func TestAggregator_EmptyLedger(t *testing.T) {
	ts := testSource(t, time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC))

	agg := NewAggregator(staticLedger{rows: [][]string{ledger.Columns}}, nil, ts, 0, zerolog.Nop())
	r := agg.Build(context.Background(), ts.NowDisplay())

	assert.NoError(t, r.LedgerErr)
	assert.Empty(t, r.Subjects)
	assert.Contains(t, Render(r), "No completed shares found")
	assert.Contains(t, Render(r), "No live locations")
}

func TestAggregator_LiveSkipsStale(t *testing.T) {
	now := time.Date(2024, 3, 15, 21, 0, 0, 0, time.UTC)
	ts := testSource(t, now)

	store := presence.NewStore(zerolog.Nop())
	store.Open(presence.Key{ChatID: 1, MessageID: 1}, 1, "alice", now.Add(-25*time.Minute))
	store.Open(presence.Key{ChatID: 1, MessageID: 2}, 2, "ghost", now.Add(-10*time.Hour))

	agg := NewAggregator(staticLedger{rows: [][]string{ledger.Columns}}, store, ts, 9*time.Hour, zerolog.Nop())
	r := agg.Build(context.Background(), ts.NowDisplay())

	require.Len(t, r.Live, 1)
	assert.Equal(t, "alice", r.Live[0].DisplayName)
	assert.Equal(t, 25*time.Minute, r.Live[0].Elapsed)
	assert.Equal(t, 2, store.Len(), "report never mutates the store")

	text := Render(r)
	assert.Contains(t, text, "*alice* (started 17:35:00")
	assert.Contains(t, text, "active for 00:25:00")
	assert.NotContains(t, text, "ghost")
}

func TestRender_EscapesNames(t *testing.T) {
	r := Report{
		Date: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Live: []Live{{DisplayName: "john_doe", Start: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)}},
	}

	text := Render(r)
	assert.Contains(t, text, `john\_doe`)
	assert.Contains(t, PlainText(text), "john_doe")
	assert.NotContains(t, PlainText(text), "*")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", MaxMessageLength))

	long := strings.Repeat("é", MaxMessageLength+100)
	cut := Truncate(long, MaxMessageLength)

	assert.Equal(t, MaxMessageLength, utf8.RuneCountInString(cut))
	assert.True(t, strings.HasSuffix(cut, TruncationMarker))
	assert.True(t, utf8.ValidString(cut))
}

func TestRender_TruncatesLongReport(t *testing.T) {
	r := Report{Date: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)}
	for i := 0; i < 400; i++ {
		r.Subjects = append(r.Subjects, SubjectTotal{
			Name:    fmt.Sprintf("subject-%03d", i),
			Records: []Completed{{StartHMS: "09:00:00", EndHMS: "09:10:00", Duration: "00:10:00", Seconds: 600}},
		})
	}

	text := Render(r)
	assert.LessOrEqual(t, utf8.RuneCountInString(text), MaxMessageLength)
	assert.True(t, strings.HasSuffix(text, TruncationMarker))
}

func TestTruncate_CountsUTF16Units(t *testing.T) {
	long := strings.Repeat("😀", MaxMessageLength)
	require.Equal(t, 2*MaxMessageLength, len(utf16.Encode([]rune(long))))

	cut := Truncate(long, MaxMessageLength)

	units := len(utf16.Encode([]rune(cut)))
	assert.LessOrEqual(t, units, MaxMessageLength)
	assert.GreaterOrEqual(t, units, MaxMessageLength-1)
	assert.Equal(t, units, UTF16Len(cut))
	assert.True(t, strings.HasSuffix(cut, TruncationMarker))
	assert.True(t, utf8.ValidString(cut))
}

func TestRender_EmojiReportFitsTelegramLimit(t *testing.T) {
	r := Report{Date: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), RequestedBy: "🚚 dispatch"}
	for i := 0; i < 300; i++ {
		r.Subjects = append(r.Subjects, SubjectTotal{
			Name:    fmt.Sprintf("🚚🚚 driver_%03d 📍", i),
			Records: []Completed{{StartHMS: "09:00:00", EndHMS: "09:10:00", Duration: "00:10:00", Seconds: 600}},
		})
	}

	text := Render(r)
	assert.Greater(t, len(utf16.Encode([]rune(text))), utf8.RuneCountInString(text))
	assert.LessOrEqual(t, len(utf16.Encode([]rune(text))), MaxMessageLength)
	assert.LessOrEqual(t, len(utf16.Encode([]rune(PlainText(text)))), MaxMessageLength)
	assert.True(t, strings.HasSuffix(text, TruncationMarker))
}

func TestParseDate(t *testing.T) {
	loc, err := timesource.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, loc)

	got, err := ParseDate("15/03/2024", time.Now(), loc)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = ParseDate("2024-03-15", time.Now(), loc)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	// 01:00 UTC on the 16th is still the 15th in Sao Paulo
	got, err = ParseDate("", time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC), loc)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = ParseDate("15-03-2024", time.Now(), loc)
	assert.Error(t, err)
	_, err = ParseDate("31/02/2024", time.Now(), loc)
	assert.Error(t, err)
}
