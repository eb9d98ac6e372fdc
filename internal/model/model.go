package model

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used by overrides and the API.
const DateLayout = "2006-01-02"

// TimeOfDay is a local wall-clock minute (hour:minute, 24h).
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses a strict zero-padded "HH:MM" key.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, expected zero-padded HH:MM", s)
	}
	h, ok1 := twoDigits(s[0], s[1])
	m, ok2 := twoDigits(s[3], s[4])
	if !ok1 || !ok2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, expected zero-padded HH:MM", s)
	}
	if h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	if m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// On returns the instant of t on the given date in the date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, mo, d := date.Date()
	return time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, date.Location())
}

// Pattern is a named ring sequence: Rings pulses, each held active for
// Duration and separated by Spacing.
type Pattern struct {
	Name     string
	Rings    int
	Duration time.Duration
	Spacing  time.Duration

	// Lines names the actuator lines pulsed together. Empty means all lines.
	Lines []string
}

// Total is the wall-clock length of one playback.
func (p Pattern) Total() time.Duration {
	if p.Rings <= 0 {
		return 0
	}
	return time.Duration(p.Rings)*p.Duration + time.Duration(p.Rings-1)*p.Spacing
}

// Entry is one row of a schedule: at At, play Pattern.
type Entry struct {
	At      TimeOfDay
	Pattern Pattern
}

// Trigger is an Entry bound to a concrete date.
type Trigger struct {
	Entry

	// Key identifies the trigger within its day ("08:00/high_school").
	Key string
	// When is At on the trigger's date.
	When time.Time
}

// NewTrigger binds e to date.
func NewTrigger(date time.Time, e Entry) Trigger {
	return Trigger{
		Entry: e,
		Key:   e.At.String() + "/" + e.Pattern.Name,
		When:  e.At.On(date),
	}
}

// DateOnly truncates t to local midnight of its own date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDate reports whether a and b fall on the same calendar date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
