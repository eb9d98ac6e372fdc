// Package planner turns a date into the ordered trigger list for that day.
package planner

import (
	"sort"
	"sync/atomic"
	"time"

	"bellsched/internal/calendar"
	appLog "bellsched/internal/log"
	"bellsched/internal/model"
)

// Resolver explains which schedule applies to a date.
type Resolver interface {
	Explain(date time.Time) calendar.Decision
}

// Schedules looks up the entries of a named schedule.
type Schedules interface {
	Lookup(name string) ([]model.Entry, bool)
}

// Day is the resolved plan for one date. It is never modified after Plan
// returns it; a replan produces a new Day.
type Day struct {
	Date     time.Time
	Decision calendar.Decision
	// Triggers are ordered by time of day. Empty when nothing rings.
	Triggers []model.Trigger
}

// Schedule returns the resolved schedule name, or "" for a silent day.
func (d *Day) Schedule() string {
	return d.Decision.Schedule
}

// Planner holds the current Day.
type Planner struct {
	resolver  Resolver
	schedules Schedules

	current atomic.Pointer[Day]
}

func New(resolver Resolver, schedules Schedules) *Planner {
	return &Planner{resolver: resolver, schedules: schedules}
}

// Plan resolves date without touching the current Day.
func (p *Planner) Plan(date time.Time) *Day {
	date = model.DateOnly(date)
	dec := p.resolver.Explain(date)
	day := &Day{Date: date, Decision: dec}

	if !dec.OK() {
		return day
	}

	entries, ok := p.schedules.Lookup(dec.Schedule)
	if !ok {
		// calendar.New rejects dangling names, so this only happens with
		// hand-assembled resolvers.
		appLog.Warn("resolved schedule is not defined", "date", date.Format(model.DateLayout), "schedule", dec.Schedule)
		return day
	}

	day.Triggers = make([]model.Trigger, 0, len(entries))
	for _, e := range entries {
		day.Triggers = append(day.Triggers, model.NewTrigger(date, e))
	}
	sort.SliceStable(day.Triggers, func(i, j int) bool {
		return day.Triggers[i].When.Before(day.Triggers[j].When)
	})
	return day
}

// Replan plans the date of now and makes it current.
func (p *Planner) Replan(now time.Time) *Day {
	day := p.Plan(now)
	p.current.Store(day)

	if day.Decision.OK() {
		appLog.Info("day planned",
			"date", day.Date.Format(model.DateLayout),
			"schedule", day.Decision.Schedule,
			"layer", day.Decision.Layer,
			"source", day.Decision.Source,
			"triggers", len(day.Triggers),
		)
	} else {
		appLog.Info("no schedule today",
			"date", day.Date.Format(model.DateLayout),
			"layer", day.Decision.Layer,
			"source", day.Decision.Source,
		)
	}
	return day
}

// Current returns the last planned Day, or nil before the first Replan.
func (p *Planner) Current() *Day {
	return p.current.Load()
}
