package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Ledger column names, in append order.
const (
	ColUserID          = "UserID"
	ColUsername        = "Username"
	ColStartDisplay    = "StartTimeBR"
	ColEndDisplay      = "EndTimeBR"
	ColDuration        = "Duration"
	ColStartUTC        = "StartTimeUTC"
	ColEndUTC          = "EndTimeUTC"
	ColDurationSeconds = "DurationSeconds"
)

// Columns is the ledger header row.
var Columns = []string{
	ColUserID,
	ColUsername,
	ColStartDisplay,
	ColEndDisplay,
	ColDuration,
	ColStartUTC,
	ColEndUTC,
	ColDurationSeconds,
}

// Timestamp layouts used in ledger rows.
const (
	DisplayLayout = "02/01/2006 15:04:05"
	UTCLayout     = "2006-01-02 15:04:05"
)

// Record is a completed session ready to be appended to the ledger.
type Record struct {
	SubjectID       int64
	DisplayName     string
	Start           time.Time
	End             time.Time
	DurationSeconds int64
}

// NewRecord builds a Record from a closed session. A negative duration is
// clamped to zero.
func NewRecord(subjectID int64, displayName string, start, end time.Time) Record {
	seconds := int64(end.Sub(start) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	return Record{
		SubjectID:       subjectID,
		DisplayName:     displayName,
		Start:           start.UTC(),
		End:             end.UTC(),
		DurationSeconds: seconds,
	}
}

// Values renders the record as a ledger row in Columns order.
func (r Record) Values(display *time.Location) []any {
	if display == nil {
		display = time.UTC
	}
	return []any{
		r.SubjectID,
		r.DisplayName,
		r.Start.In(display).Format(DisplayLayout),
		r.End.In(display).Format(DisplayLayout),
		FormatDuration(r.DurationSeconds),
		r.Start.UTC().Format(UTCLayout),
		r.End.UTC().Format(UTCLayout),
		r.DurationSeconds,
	}
}

// FormatDuration renders seconds as HH:MM:SS with hours not wrapping at 24.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// MissingColumns returns the required columns absent from header, in
// Columns order. Header cells are compared after trimming whitespace.
func MissingColumns(header []string) []string {
	present := make(map[string]struct{}, len(header))
	for _, h := range header {
		present[strings.TrimSpace(h)] = struct{}{}
	}

	var missing []string
	for _, col := range Columns {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}
