package report

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/harun/livetrack/pkg/ledger"
)

// MaxMessageLength is the longest message Telegram accepts.
const MaxMessageLength = 4096

// TruncationMarker ends a report cut to fit MaxMessageLength.
const TruncationMarker = "\n(...)"

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// Render formats r as Telegram Markdown, truncated to MaxMessageLength.
func Render(r Report) string {
	date := r.Date.Format("02/01/2006")

	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Status for %s*\n", date)
	if r.RequestedBy != "" {
		fmt.Fprintf(&b, "_(requested by %s)_\n", escape(r.RequestedBy))
	}

	b.WriteString("\n*Completed shares (ledger):*\n")
	switch {
	case r.LedgerErr != nil:
		var missing *MissingColumnsError
		if errors.As(r.LedgerErr, &missing) {
			fmt.Fprintf(&b, "\n⚠️ *Error: column(s) %s not found. Check the ledger header.*\n", escape(strings.Join(missing.Columns, ", ")))
		} else {
			b.WriteString("\n⚠️ *History unavailable (ledger not reachable). Check the logs.*\n")
		}
	case len(r.Subjects) == 0:
		b.WriteString("_No completed shares found for this date._\n")
	default:
		for _, s := range r.Subjects {
			fmt.Fprintf(&b, "\n👤 *%s:*\n", escape(s.Name))
			for _, rec := range s.Records {
				fmt.Fprintf(&b, "  - 🕰️ %s to %s | ⏳ %s\n", rec.StartHMS, rec.EndHMS, escape(rec.Duration))
			}
			fmt.Fprintf(&b, "  _Total %s: %s_\n", escape(s.Name), ledger.FormatDuration(s.TotalSeconds))
		}
		fmt.Fprintf(&b, "\n*Grand total completed (%s): %s*\n", date, ledger.FormatDuration(r.TotalSeconds))
	}

	b.WriteString("\n*Live shares now:*\n")
	if len(r.Live) == 0 {
		b.WriteString("_No live locations at the moment._\n")
	}
	for _, l := range r.Live {
		fmt.Fprintf(&b, "  - ▶️ *%s* (started %s %s, active for %s)\n",
			escape(l.DisplayName),
			l.Start.Format("15:04:05"),
			l.Start.Format("MST"),
			ledger.FormatDuration(int64(l.Elapsed.Seconds())),
		)
	}

	return Truncate(strings.TrimRight(b.String(), "\n"), MaxMessageLength)
}

// Truncate cuts s to at most max UTF-16 code units, the unit Telegram counts
// message length in, ending with TruncationMarker when cut.
func Truncate(s string, max int) string {
	if UTF16Len(s) <= max {
		return s
	}

	budget := max - UTF16Len(TruncationMarker)
	end := 0
	for end < len(s) {
		r, size := utf8.DecodeRuneInString(s[end:])
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if budget < n {
			break
		}
		budget -= n
		end += size
	}
	return s[:end] + TruncationMarker
}

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// PlainText strips Markdown markup for a plain-text resend.
func PlainText(s string) string {
	return strings.NewReplacer("\\_", "_", "\\*", "*", "\\`", "`", "\\[", "[", "*", "", "_", "", "`", "").Replace(s)
}

func escape(s string) string {
	return markdownEscaper.Replace(s)
}
