// Package timeofday models wall-clock times within a single day as minutes
// since midnight, and the half-open windows that slots and machine
// assignments occupy.
package timeofday

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay bounds every TimeOfDay value.
const MinutesPerDay = 24 * 60

// TimeOfDay is a minute offset from midnight. It is persisted as an integer
// column and serialized as "HH:MM".
type TimeOfDay int

// New builds a TimeOfDay from an hour and minute.
func New(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// Parse accepts "HH:MM" or "HH:MM:SS". Seconds are truncated.
func Parse(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	t := New(h, m)
	if t > MinutesPerDay {
		return 0, fmt.Errorf("time of day %q is past midnight", s)
	}
	return t, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) TimeOfDay {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Add shifts the time by a number of minutes.
func (t TimeOfDay) Add(minutes int) TimeOfDay { return t + TimeOfDay(minutes) }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start TimeOfDay `json:"start_time"`
	End   TimeOfDay `json:"end_time"`
}

// NewWindow builds a window from two clock values.
func NewWindow(start, end TimeOfDay) Window {
	return Window{Start: start, End: end}
}

// ForDuration builds the window [start, start+minutes).
func ForDuration(start TimeOfDay, minutes int) Window {
	return Window{Start: start, End: start.Add(minutes)}
}

// Validate rejects empty, inverted and out-of-day windows.
func (w Window) Validate() error {
	if w.Start < 0 || w.End > MinutesPerDay {
		return fmt.Errorf("window %s must fall within one day", w)
	}
	if w.End <= w.Start {
		return fmt.Errorf("window %s must end after it starts", w)
	}
	return nil
}

// Minutes is the window length.
func (w Window) Minutes() int { return int(w.End - w.Start) }

// Overlaps reports whether w collides with an existing window o using the
// three-way test: w.Start in [o.Start, o.End), w.End in (o.Start, o.End], or
// w encloses o. The storage queries use the same predicate.
func (w Window) Overlaps(o Window) bool {
	return (w.Start >= o.Start && w.Start < o.End) ||
		(w.End > o.Start && w.End <= o.End) ||
		(w.Start <= o.Start && w.End >= o.End)
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// ParseDate parses a "YYYY-MM-DD" calendar date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return d, nil
}

// DateOf drops the clock part of t, keeping its calendar date in t's location,
// and returns it as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
