// Package calendar decides which named schedule applies on a given date.
//
// Layers are consulted in order and the first hit wins:
//
//   - exact date overrides
//   - ICS feeds (e.g. a school holiday calendar)
//   - RRULE rules
//   - the weekday default
//
// A hit on the reserved name "none" means no ringing that day.
package calendar

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"bellsched/internal/config"
	"bellsched/internal/ics"
	"bellsched/internal/model"
)

// Layer names the part of the calendar that made a decision.
type Layer string

const (
	LayerOverride Layer = "override"
	LayerFeed     Layer = "feed"
	LayerRule     Layer = "rule"
	LayerDefault  Layer = "default"
	LayerNone     Layer = "none"
)

// ScheduleSet reports which schedule names exist.
type ScheduleSet interface {
	Has(name string) bool
}

// Decision is the outcome of resolving one date.
type Decision struct {
	Date time.Time
	// Schedule is empty when nothing rings that day.
	Schedule string
	Layer    Layer
	// Source identifies the override date, feed id, rule name or weekday.
	Source string
	// Detail carries the matching feed event summary, if any.
	Detail string
}

// OK reports whether a schedule applies.
func (d Decision) OK() bool {
	return d.Schedule != ""
}

// Feed is a loaded ICS feed bound to the schedule its dates select.
type Feed struct {
	*ics.Feed
	Schedule string
}

type rule struct {
	name     string
	schedule string
	rr       *rrule.RRule
}

// Resolver is immutable after New and safe for concurrent use.
type Resolver struct {
	overrides map[string]string
	feeds     []Feed
	rules     []rule
	defaults  map[time.Weekday]string
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// New validates the calendar against the known schedules. Every schedule
// name reachable from any layer must exist (or be "none"); problems are
// reported together.
func New(cal config.CalendarConfig, feeds []Feed, schedules ScheduleSet) (*Resolver, error) {
	var errs []error

	checkName := func(key, name string) bool {
		if name == config.NoneSchedule || schedules.Has(name) {
			return true
		}
		errs = append(errs, fmt.Errorf("%s: unknown schedule %q", key, name))
		return false
	}

	r := &Resolver{
		overrides: make(map[string]string, len(cal.Overrides)),
		defaults:  make(map[time.Weekday]string, len(cal.Default)),
	}

	for _, day := range sortedKeys(cal.Default) {
		name := cal.Default[day]
		wd, ok := weekdays[strings.ToLower(day)]
		if !ok {
			errs = append(errs, fmt.Errorf("calendar.default.%s: unknown weekday", day))
			continue
		}
		if _, dup := r.defaults[wd]; dup {
			errs = append(errs, fmt.Errorf("calendar.default.%s: weekday listed twice", day))
			continue
		}
		if checkName("calendar.default."+day, name) {
			r.defaults[wd] = name
		}
	}

	for _, key := range sortedKeys(cal.Overrides) {
		name := cal.Overrides[key]
		d, err := time.ParseInLocation(model.DateLayout, key, time.Local)
		if err != nil || d.Format(model.DateLayout) != key {
			errs = append(errs, fmt.Errorf("calendar.overrides.%s: invalid date, expected YYYY-MM-DD", key))
			continue
		}
		if checkName("calendar.overrides."+key, name) {
			r.overrides[key] = name
		}
	}

	for i, rc := range cal.Rules {
		key := fmt.Sprintf("calendar.rules[%d]", i)
		if rc.Name != "" {
			key = "calendar.rules." + rc.Name
		}
		rr, err := parseRule(rc.RRule)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if checkName(key, rc.Schedule) {
			name := rc.Name
			if name == "" {
				name = fmt.Sprintf("rule%d", i)
			}
			r.rules = append(r.rules, rule{name: name, schedule: rc.Schedule, rr: rr})
		}
	}

	for _, f := range feeds {
		if checkName("calendar.feeds."+f.Source.ID, f.Schedule) {
			r.feeds = append(r.feeds, f)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func parseRule(s string) (*rrule.RRule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("rrule is empty")
	}
	opt, err := rrule.StrToROptionInLocation(s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid rrule %q: %w", s, err)
	}
	if opt.Dtstart.IsZero() {
		return nil, fmt.Errorf("rrule %q: DTSTART is required", s)
	}
	rr, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("invalid rrule %q: %w", s, err)
	}
	return rr, nil
}

// Resolve returns the schedule in effect on date, or false for a day
// without ringing.
func (r *Resolver) Resolve(date time.Time) (string, bool) {
	d := r.Explain(date)
	return d.Schedule, d.OK()
}

// Explain resolves date and reports which layer decided.
func (r *Resolver) Explain(date time.Time) Decision {
	day := model.DateOnly(date)
	key := day.Format(model.DateLayout)

	if name, ok := r.overrides[key]; ok {
		return decide(day, name, LayerOverride, key, "")
	}

	for _, f := range r.feeds {
		if occ, ok := f.On(day); ok {
			return decide(day, f.Schedule, LayerFeed, f.Source.ID, occ.Summary)
		}
	}

	dayEnd := day.AddDate(0, 0, 1)
	for _, rl := range r.rules {
		next := rl.rr.After(day, true)
		if !next.IsZero() && next.Before(dayEnd) {
			return decide(day, rl.schedule, LayerRule, rl.name, "")
		}
	}

	wd := day.Weekday()
	if name, ok := r.defaults[wd]; ok {
		return decide(day, name, LayerDefault, wd.String(), "")
	}
	return Decision{Date: day, Layer: LayerNone, Source: wd.String()}
}

func decide(day time.Time, name string, layer Layer, source, detail string) Decision {
	d := Decision{Date: day, Layer: layer, Source: source, Detail: detail}
	if name != config.NoneSchedule {
		d.Schedule = name
	}
	return d
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
