// Package report builds the per-day status report from the ledger and the
// live session registry.
package report

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/ledger"
	"github.com/harun/livetrack/pkg/presence"
	"github.com/harun/livetrack/pkg/timesource"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// LedgerReader returns ledger rows, header first.
type LedgerReader interface {
	Rows(ctx context.Context) ([][]string, error)
}

// SessionSource yields the currently open sessions.
type SessionSource interface {
	Snapshot() []presence.Entry
}

// Entries is a fixed SessionSource, used when reporting from a snapshot file.
type Entries []presence.Entry

func (e Entries) Snapshot() []presence.Entry { return e }

// MissingColumnsError reports ledger columns the aggregator needs but could
// not find in the header row.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "ledger is missing required columns: " + strings.Join(e.Columns, ", ")
}

// Completed is one finished share as read back from the ledger.
type Completed struct {
	Start    time.Time
	StartHMS string
	EndHMS   string
	Duration string
	Seconds  int64
}

// SubjectTotal groups one subject's completed shares.
type SubjectTotal struct {
	Name         string
	Records      []Completed
	TotalSeconds int64
}

// Live is an open share still within the inactivity threshold.
type Live struct {
	Key         presence.Key
	DisplayName string
	Start       time.Time
	Elapsed     time.Duration
}

// Report is the data behind one status reply.
type Report struct {
	Date         time.Time
	RequestedBy  string
	Subjects     []SubjectTotal
	TotalSeconds int64
	// LedgerErr is set when the completed section could not be produced.
	LedgerErr error
	Live      []Live
}

// Aggregator merges ledger rows with live sessions. It never mutates either.
type Aggregator struct {
	ledger    LedgerReader
	sessions  SessionSource
	time      *timesource.Source
	threshold time.Duration
	logger    zerolog.Logger
}

// NewAggregator creates an aggregator. ledger may be nil, in which case the
// completed section reports the ledger as unavailable.
func NewAggregator(ledger LedgerReader, sessions SessionSource, ts *timesource.Source, threshold time.Duration, logger zerolog.Logger) *Aggregator {
	if ts == nil {
		ts = timesource.New(nil, nil)
	}
	return &Aggregator{
		ledger:    ledger,
		sessions:  sessions,
		time:      ts,
		threshold: threshold,
		logger:    logger.With().Str("component", "report").Logger(),
	}
}

// Build assembles the report for the calendar day of date in the display zone.
func (a *Aggregator) Build(ctx context.Context, date time.Time) Report {
	ctx, span := tracing.StartSpan(ctx, "report.build")
	defer span.End()

	loc := a.time.Display()
	date = date.In(loc)
	r := Report{Date: time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)}

	subjects, err := a.completed(ctx, r.Date)
	if err != nil {
		tracing.Fail(span, err)
		a.logger.Error().Err(err).Str("date", r.Date.Format("02/01/2006")).Msg("Completed shares unavailable for report")
		r.LedgerErr = err
	}
	r.Subjects = subjects
	r.TotalSeconds = lo.SumBy(subjects, func(s SubjectTotal) int64 { return s.TotalSeconds })

	r.Live = a.live()

	observability.RecordReportRequest(err == nil)
	return r
}

func (a *Aggregator) completed(ctx context.Context, day time.Time) ([]SubjectTotal, error) {
	if a.ledger == nil {
		return nil, fmt.Errorf("ledger not configured")
	}

	rows, err := a.ledger.Rows(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) <= 1 {
		return nil, nil
	}

	header := rows[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	if missing := ledger.MissingColumns(header); len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	loc := day.Location()
	type named struct {
		name string
		rec  Completed
	}
	var matched []named

	for i, row := range rows[1:] {
		rowNum := i + 2
		cell := func(col string) string {
			j := idx[col]
			if j >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[j])
		}

		start, err := time.ParseInLocation(ledger.DisplayLayout, cell(ledger.ColStartDisplay), loc)
		if err != nil {
			a.logger.Debug().Int("row", rowNum).Str("value", cell(ledger.ColStartDisplay)).Msg("Skipping ledger row with unreadable start")
			continue
		}
		if !sameDay(start, day) {
			continue
		}

		name := cell(ledger.ColUsername)
		if name == "" {
			if id := cell(ledger.ColUserID); id != "" {
				name = "UserID " + id
			} else {
				name = fmt.Sprintf("Row %d", rowNum)
			}
		}

		seconds, err := strconv.ParseInt(cell(ledger.ColDurationSeconds), 10, 64)
		if err != nil || seconds < 0 {
			seconds = 0
		}

		matched = append(matched, named{
			name: name,
			rec: Completed{
				Start:    start,
				StartHMS: clockPart(cell(ledger.ColStartDisplay)),
				EndHMS:   clockPart(cell(ledger.ColEndDisplay)),
				Duration: cell(ledger.ColDuration),
				Seconds:  seconds,
			},
		})
	}

	groups := lo.GroupBy(matched, func(n named) string { return n.name })
	names := lo.Keys(groups)
	sort.Strings(names)

	subjects := make([]SubjectTotal, 0, len(names))
	for _, name := range names {
		records := lo.Map(groups[name], func(n named, _ int) Completed { return n.rec })
		sort.SliceStable(records, func(i, j int) bool { return records[i].Start.Before(records[j].Start) })

		subjects = append(subjects, SubjectTotal{
			Name:         name,
			Records:      records,
			TotalSeconds: lo.SumBy(records, func(c Completed) int64 { return c.Seconds }),
		})
	}
	return subjects, nil
}

func (a *Aggregator) live() []Live {
	if a.sessions == nil {
		return nil
	}

	now := a.time.Now()
	loc := a.time.Display()

	var live []Live
	for _, e := range a.sessions.Snapshot() {
		if a.threshold > 0 && now.Sub(e.Session.LastUpdate) > a.threshold {
			a.logger.Warn().
				Str("session_key", e.Key.String()).
				Str("display_name", e.Session.DisplayName).
				Time("last_update", e.Session.LastUpdate).
				Msg("Stale share left out of report, sweep has not removed it yet")
			continue
		}

		elapsed := now.Sub(e.Session.StartTime)
		if elapsed < 0 {
			elapsed = 0
		}
		live = append(live, Live{
			Key:         e.Key,
			DisplayName: e.Session.DisplayName,
			Start:       e.Session.StartTime.In(loc),
			Elapsed:     elapsed,
		})
	}
	return live
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// clockPart returns the time of day from a "dd/mm/yyyy hh:mm:ss" cell.
func clockPart(s string) string {
	if _, t, ok := strings.Cut(s, " "); ok {
		return t
	}
	return "??:??:??"
}

// ParseDate reads a report date as dd/mm/yyyy or yyyy-mm-dd in loc. An empty
// argument means today.
func ParseDate(arg string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		now = now.In(loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), nil
	}

	for _, layout := range []string{"02/01/2006", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, arg, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, use DD/MM/YYYY or YYYY-MM-DD", arg)
}
