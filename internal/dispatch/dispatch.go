// Package dispatch decides on every tick which triggers are due and starts
// one playback per firing without waiting for it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bellsched/internal/actuator"
	"bellsched/internal/config"
	appLog "bellsched/internal/log"
	"bellsched/internal/model"
	"bellsched/internal/planner"
)

// State of one trigger within its day.
type State string

const (
	Armed State = "ARMED"
	Fired State = "FIRED"
)

// DefaultWindow is how long after its time a trigger may still fire.
const DefaultWindow = time.Minute

// ErrClosing is returned for firings requested after Wait was called.
var ErrClosing = errors.New("dispatcher is shutting down")

// Player plays a pattern on lines until done, failed or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, p model.Pattern, lines []actuator.Line) error
}

// Lines selects actuator lines by name; no names means all of them.
type Lines interface {
	Select(names []string) ([]actuator.Line, error)
}

// Patterns looks up patterns for manual rings.
type Patterns interface {
	Pattern(name string) (model.Pattern, bool)
}

// Options tune the dispatcher.
type Options struct {
	Window time.Duration
	// Rearm is config.RearmKeep or config.RearmReset.
	Rearm string
}

// Firing is one running playback.
type Firing struct {
	ID      string    `json:"id"`
	Trigger string    `json:"trigger,omitempty"`
	Pattern string    `json:"pattern"`
	Manual  bool      `json:"manual"`
	Started time.Time `json:"started"`
}

// Dispatcher owns the per-day trigger states. All methods are safe for
// concurrent use.
type Dispatcher struct {
	planner  *planner.Planner
	patterns Patterns
	lines    Lines
	player   Player
	window   time.Duration
	rearm    string

	mu       sync.Mutex
	day      *planner.Day
	states   map[string]State
	inflight map[string]Firing
	closing  bool

	wg sync.WaitGroup
}

func New(pl *planner.Planner, patterns Patterns, lines Lines, player Player, opts Options) *Dispatcher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Rearm == "" {
		opts.Rearm = config.RearmKeep
	}
	return &Dispatcher{
		planner:  pl,
		patterns: patterns,
		lines:    lines,
		player:   player,
		window:   opts.Window,
		rearm:    opts.Rearm,
		states:   make(map[string]State),
		inflight: make(map[string]Firing),
	}
}

// Tick fires every armed trigger with at <= now < at+window. A tick on a new
// date first replans and resets every trigger to armed. Playbacks run on ctx.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.day == nil || !model.SameDate(d.day.Date, now) {
		d.replanLocked(now)
	}

	for _, t := range d.day.Triggers {
		if d.states[t.Key] != Armed {
			continue
		}
		if now.Before(t.When) || !now.Before(t.When.Add(d.window)) {
			continue
		}
		d.states[t.Key] = Fired
		if _, err := d.fireLocked(ctx, t.Pattern, t.Key); err != nil {
			appLog.Error("trigger not fired", err, "trigger", t.Key)
		}
	}
}

// Replan recomputes the plan for now's date. On the same date the rearm
// policy decides whether fired times stay fired.
func (d *Dispatcher) Replan(_ context.Context, now time.Time) *planner.Day {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replanLocked(now)
}

func (d *Dispatcher) replanLocked(now time.Time) *planner.Day {
	prev, prevStates := d.day, d.states
	day := d.planner.Replan(now)

	states := make(map[string]State, len(day.Triggers))
	for _, t := range day.Triggers {
		states[t.Key] = Armed
	}

	sameDay := prev != nil && model.SameDate(prev.Date, day.Date)
	if sameDay && d.rearm == config.RearmKeep {
		fired := make(map[model.TimeOfDay]bool)
		for _, t := range prev.Triggers {
			if prevStates[t.Key] == Fired {
				fired[t.At] = true
			}
		}
		for _, t := range day.Triggers {
			if fired[t.At] {
				states[t.Key] = Fired
			}
		}
	}

	d.day, d.states = day, states
	return day
}

// Ring plays a pattern immediately, outside the schedule. It returns the
// firing id without waiting for the playback.
func (d *Dispatcher) Ring(ctx context.Context, pattern string) (string, error) {
	p, ok := d.patterns.Pattern(pattern)
	if !ok {
		return "", fmt.Errorf("unknown pattern %q", pattern)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fireLocked(ctx, p, "")
}

func (d *Dispatcher) fireLocked(ctx context.Context, p model.Pattern, trigger string) (string, error) {
	if d.closing {
		return "", ErrClosing
	}
	lines, err := d.lines.Select(p.Lines)
	if err != nil {
		return "", fmt.Errorf("pattern %s: %w", p.Name, err)
	}

	f := Firing{
		ID:      uuid.NewString(),
		Trigger: trigger,
		Pattern: p.Name,
		Manual:  trigger == "",
		Started: time.Now(),
	}
	d.inflight[f.ID] = f

	d.wg.Add(1)
	go d.play(ctx, f, p, lines)
	return f.ID, nil
}

func (d *Dispatcher) play(ctx context.Context, f Firing, p model.Pattern, lines []actuator.Line) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("playback panicked", fmt.Errorf("%v", r), "firing", f.ID, "pattern", f.Pattern)
		}
		d.mu.Lock()
		delete(d.inflight, f.ID)
		d.mu.Unlock()
	}()

	appLog.Info("firing", "firing", f.ID, "trigger", f.Trigger, "pattern", f.Pattern, "manual", f.Manual, "lines", len(lines))
	start := time.Now()
	if err := d.player.Play(ctx, p, lines); err != nil {
		appLog.Error("playback failed", err, "firing", f.ID, "trigger", f.Trigger, "pattern", f.Pattern)
		return
	}
	appLog.Info("playback done", "firing", f.ID, "pattern", f.Pattern, "took", time.Since(start))
}

// Wait refuses new firings, then blocks until every playback has returned
// or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	return d.idle(ctx)
}

// idle blocks until no playback is running or ctx is done.
func (d *Dispatcher) idle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerStatus is one trigger of the current day.
type TriggerStatus struct {
	At      string    `json:"at"`
	Pattern string    `json:"pattern"`
	When    time.Time `json:"when"`
	State   State     `json:"state"`
}

// Status is a point-in-time copy of the dispatcher state.
type Status struct {
	Date     string          `json:"date,omitempty"`
	Schedule string          `json:"schedule,omitempty"`
	Layer    string          `json:"layer,omitempty"`
	Source   string          `json:"source,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Triggers []TriggerStatus `json:"triggers"`
	InFlight []Firing        `json:"in_flight"`
}

// Snapshot reports the current day, trigger states and running playbacks.
func (d *Dispatcher) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Triggers: []TriggerStatus{},
		InFlight: make([]Firing, 0, len(d.inflight)),
	}
	if d.day != nil {
		st.Date = d.day.Date.Format(model.DateLayout)
		st.Schedule = d.day.Decision.Schedule
		st.Layer = string(d.day.Decision.Layer)
		st.Source = d.day.Decision.Source
		st.Detail = d.day.Decision.Detail
		for _, t := range d.day.Triggers {
			st.Triggers = append(st.Triggers, TriggerStatus{
				At:      t.At.String(),
				Pattern: t.Pattern.Name,
				When:    t.When,
				State:   d.states[t.Key],
			})
		}
	}
	for _, f := range d.inflight {
		st.InFlight = append(st.InFlight, f)
	}
	sort.Slice(st.InFlight, func(i, j int) bool {
		return st.InFlight[i].Started.Before(st.InFlight[j].Started)
	})
	return st
}
