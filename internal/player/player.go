// Package player plays ring patterns on actuator lines.
//
// A playback never leaves a line latched active: every activation is paired
// with a deferred deactivation that also runs when the context is cancelled,
// when a line write fails, and on panic.
package player

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bellsched/internal/actuator"
	"bellsched/internal/model"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Player executes patterns. One Player is shared by all firings; each Play
// call is independent unless a line is exclusive.
type Player struct {
	sleep     Sleeper
	exclusive func(line string) bool

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Option configures a Player.
type Option func(*Player)

// WithSleeper replaces the real-time sleeper (tests).
func WithSleeper(s Sleeper) Option {
	return func(p *Player) { p.sleep = s }
}

// WithExclusive serializes playbacks on lines for which f returns true.
func WithExclusive(f func(line string) bool) Option {
	return func(p *Player) { p.exclusive = f }
}

// New constructs a Player.
func New(opts ...Option) *Player {
	p := &Player{
		sleep:     Sleep,
		exclusive: func(string) bool { return false },
		locks:     make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play pulses lines pat.Rings times: active for pat.Duration, then inactive,
// then pat.Spacing before the next pulse. No spacing follows the last pulse.
// The first error (line write or cancellation) aborts the remaining pulses.
func (p *Player) Play(ctx context.Context, pat model.Pattern, lines []actuator.Line) error {
	if pat.Rings < 1 {
		return fmt.Errorf("pattern %s: rings must be at least 1", pat.Name)
	}
	if len(lines) == 0 {
		return fmt.Errorf("pattern %s: no actuator lines", pat.Name)
	}

	lines = distinct(lines)
	release, err := p.acquire(ctx, lines)
	if err != nil {
		return fmt.Errorf("pattern %s: %w", pat.Name, err)
	}
	defer release()

	for i := 0; i < pat.Rings; i++ {
		if err := p.pulse(ctx, pat.Duration, lines); err != nil {
			return fmt.Errorf("pattern %s: ring %d/%d: %w", pat.Name, i+1, pat.Rings, err)
		}
		if i < pat.Rings-1 {
			if err := p.sleep(ctx, pat.Spacing); err != nil {
				return fmt.Errorf("pattern %s: spacing after ring %d/%d: %w", pat.Name, i+1, pat.Rings, err)
			}
		}
	}
	return nil
}

// pulse holds lines active for hold. Lines that were switched on are always
// switched off again before pulse returns or panics.
func (p *Player) pulse(ctx context.Context, hold time.Duration, lines []actuator.Line) (err error) {
	on := make([]actuator.Line, 0, len(lines))
	defer func() {
		for _, l := range on {
			if rerr := l.Set(false); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}()

	for _, l := range lines {
		if err := l.Set(true); err != nil {
			return err
		}
		on = append(on, l)
	}
	return p.sleep(ctx, hold)
}

// distinct drops repeated lines by name, keeping the first occurrence.
// A repeated exclusive line would otherwise wait on its own lock.
func distinct(lines []actuator.Line) []actuator.Line {
	seen := make(map[string]bool, len(lines))
	out := make([]actuator.Line, 0, len(lines))
	for _, l := range lines {
		if seen[l.Name()] {
			continue
		}
		seen[l.Name()] = true
		out = append(out, l)
	}
	return out
}

// acquire takes the exclusive locks of lines in name order.
func (p *Player) acquire(ctx context.Context, lines []actuator.Line) (func(), error) {
	names := make([]string, 0, len(lines))
	for _, l := range lines {
		if p.exclusive(l.Name()) {
			names = append(names, l.Name())
		}
	}
	if len(names) == 0 {
		return func() {}, nil
	}
	sort.Strings(names)

	held := make([]chan struct{}, 0, len(names))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, n := range names {
		ch := p.lock(n)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (p *Player) lock(name string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		p.locks[name] = ch
	}
	return ch
}
