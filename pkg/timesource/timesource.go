// Package timesource supplies the current instant in the canonical zone (UTC)
// and in the display zone used for human-facing timestamps.
package timesource

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/benbjohnson/clock"
)

// DefaultDisplayZone is the zone shown to operators in reports and ledger rows.
const DefaultDisplayZone = "America/Sao_Paulo"

// Source pairs a clock with a display location
type Source struct {
	clock   clock.Clock
	display *time.Location
}

// New creates a Source. A nil clock uses the wall clock, a nil location uses UTC.
func New(c clock.Clock, display *time.Location) *Source {
	if c == nil {
		c = clock.New()
	}
	if display == nil {
		display = time.UTC
	}
	return &Source{clock: c, display: display}
}

// Now returns the current instant in UTC
func (s *Source) Now() time.Time {
	return s.clock.Now().UTC()
}

// NowDisplay returns the current instant in the display zone
func (s *Source) NowDisplay() time.Time {
	return s.clock.Now().In(s.display)
}

// Display returns the display location
func (s *Source) Display() *time.Location {
	return s.display
}

// Clock returns the underlying clock
func (s *Source) Clock() clock.Clock {
	return s.clock
}

// LoadLocation resolves a zone name, defaulting to DefaultDisplayZone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultDisplayZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid display timezone %q: %w", name, err)
	}
	return loc, nil
}
