package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bellsched/internal/actuator"
	"bellsched/internal/calendar"
	"bellsched/internal/config"
	"bellsched/internal/model"
	"bellsched/internal/planner"
	"bellsched/internal/schedule"
)

type fakePlayer struct {
	mu    sync.Mutex
	calls []string

	// block, when set, holds every playback until closed.
	block  chan struct{}
	fail   map[string]error
	panics map[string]bool
}

func (f *fakePlayer) Play(ctx context.Context, p model.Pattern, _ []actuator.Line) error {
	f.mu.Lock()
	f.calls = append(f.calls, p.Name)
	block, err, boom := f.block, f.fail[p.Name], f.panics[p.Name]
	f.mu.Unlock()

	if boom {
		panic("player bug")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakePlayer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
	if err != nil {
		panic(err)
	}
	return t
}

// 2017-08-23 is a Wednesday (schedule A), 2017-08-24 a Thursday (schedule B).
func newDispatcher(t *testing.T, player Player, opts Options) *Dispatcher {
	t.Helper()
	table, err := schedule.New(
		map[string]map[string]string{
			"a": {"08:00": "short", "10:00": "bad"},
			"b": {"08:00": "long", "09:00": "short"},
		},
		map[string]config.PatternConfig{
			"short": {Rings: 1, Duration: config.Seconds(1)},
			"long":  {Rings: 3, Duration: config.Seconds(1), Spacing: config.Seconds(2)},
			"bad":   {Rings: 1, Duration: config.Seconds(1)},
		},
	)
	require.NoError(t, err)

	resolver, err := calendar.New(config.CalendarConfig{
		Default: map[string]string{"Wednesday": "a", "Thursday": "b"},
	}, nil, table)
	require.NoError(t, err)

	bank := actuator.NewBankFromLines(actuator.NewMockLine("bell"))
	return New(planner.New(resolver, table), table, bank, player, opts)
}

func wait(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.idle(ctx))
}

func stateOf(st Status, at string) State {
	for _, tr := range st.Triggers {
		if tr.At == at {
			return tr.State
		}
	}
	return ""
}

func TestFiresExactlyOncePerDay(t *testing.T) {
	p := &fakePlayer{}
	d := newDispatcher(t, p, Options{})
	ctx := context.Background()

	for _, ts := range []string{
		"2017-08-23 07:59:59",
		"2017-08-23 08:00:00",
		"2017-08-23 08:00:01",
		"2017-08-23 08:00:30",
		"2017-08-23 08:00:59",
		"2017-08-23 08:01:00",
	} {
		d.Tick(ctx, at(ts))
	}
	wait(t, d)

	assert.Equal(t, []string{"short"}, p.Calls())
	assert.Equal(t, Fired, stateOf(d.Snapshot(), "08:00"))
	assert.Equal(t, Armed, stateOf(d.Snapshot(), "10:00"))
}

func TestMissedWindowDoesNotFire(t *testing.T) {
	p := &fakePlayer{}
	d := newDispatcher(t, p, Options{Window: 30 * time.Second})

	// Starting up after the window has passed.
	d.Tick(context.Background(), at("2017-08-23 08:00:30"))
	wait(t, d)

	assert.Empty(t, p.Calls())
	assert.Equal(t, Armed, stateOf(d.Snapshot(), "08:00"))
}

func TestTickDoesNotWaitForPlayback(t *testing.T) {
	p := &fakePlayer{block: make(chan struct{})}
	d := newDispatcher(t, p, Options{})
	ctx := context.Background()

	d.Tick(ctx, at("2017-08-24 08:00:00"))
	d.Tick(ctx, at("2017-08-24 09:00:00"))

	require.Eventually(t, func() bool { return len(p.Calls()) == 2 }, time.Second, time.Millisecond)
	st := d.Snapshot()
	require.Len(t, st.InFlight, 2)
	for _, f := range st.InFlight {
		_, err := uuid.Parse(f.ID)
		assert.NoError(t, err)
		assert.False(t, f.Manual)
	}

	close(p.block)
	wait(t, d)
	assert.Empty(t, d.Snapshot().InFlight)
}

func TestDayBoundaryResetsWithoutCarryover(t *testing.T) {
	p := &fakePlayer{}
	d := newDispatcher(t, p, Options{})
	ctx := context.Background()

	d.Tick(ctx, at("2017-08-23 08:00:10"))
	wait(t, d)
	st := d.Snapshot()
	assert.Equal(t, "2017-08-23", st.Date)
	assert.Equal(t, "a", st.Schedule)
	assert.Equal(t, Fired, stateOf(st, "08:00"))

	d.Tick(ctx, at("2017-08-24 00:00:00"))
	st = d.Snapshot()
	assert.Equal(t, "2017-08-24", st.Date)
	assert.Equal(t, "b", st.Schedule)
	require.Len(t, st.Triggers, 2)
	assert.Equal(t, Armed, stateOf(st, "08:00"), "day-1 fired state must not carry over")
	assert.Equal(t, "long", st.Triggers[0].Pattern)

	d.Tick(ctx, at("2017-08-24 08:00:10"))
	wait(t, d)
	assert.Equal(t, []string{"short", "long"}, p.Calls())
}

func TestSilentDay(t *testing.T) {
	p := &fakePlayer{}
	d := newDispatcher(t, p, Options{})

	d.Tick(context.Background(), at("2017-08-25 08:00:00"))
	wait(t, d)

	st := d.Snapshot()
	assert.Empty(t, p.Calls())
	assert.Empty(t, st.Schedule)
	assert.Equal(t, string(calendar.LayerNone), st.Layer)
	assert.Empty(t, st.Triggers)
}

func TestReplanKeepsFiredTimes(t *testing.T) {
	p := &fakePlayer{}
	d := newDispatcher(t, p, Options{Rearm: config.RearmKeep})
	ctx := context.Background()

	d.Tick(ctx, at("2017-08-23 08:00:00"))
	day := d.Replan(ctx, at("2017-08-23 08:00:20"))
	assert.Equal(t, "a", day.Schedule())
	d.Tick(ctx, at("2017-08-23 08:00:30"))
	wait(t, d)

	assert.Equal(t, []string{"short"}, p.Calls())
	assert.Equal(t, Fired, stateOf(d.Snapshot(), "08:00"))
}

func TestReplanRearmFiresAgainInsideWindow(t *testing.T) {
	p := &fakePlayer{}
	d := newDispatcher(t, p, Options{Rearm: config.RearmReset})
	ctx := context.Background()

	d.Tick(ctx, at("2017-08-23 08:00:00"))
	d.Replan(ctx, at("2017-08-23 08:00:20"))
	assert.Equal(t, Armed, stateOf(d.Snapshot(), "08:00"))
	d.Tick(ctx, at("2017-08-23 08:00:30"))

	// Outside the window a rearmed trigger stays armed.
	d.Replan(ctx, at("2017-08-23 08:05:00"))
	d.Tick(ctx, at("2017-08-23 08:05:01"))
	wait(t, d)

	assert.Equal(t, []string{"short", "short"}, p.Calls())
	assert.Equal(t, Armed, stateOf(d.Snapshot(), "08:00"))
}

func TestPlaybackFailureIsIsolated(t *testing.T) {
	p := &fakePlayer{fail: map[string]error{"bad": errors.New("gpio write failed")}}
	d := newDispatcher(t, p, Options{})
	ctx := context.Background()

	d.Tick(ctx, at("2017-08-23 10:00:00"))
	wait(t, d)
	assert.Equal(t, Fired, stateOf(d.Snapshot(), "10:00"))

	d.Tick(ctx, at("2017-08-24 08:00:00"))
	wait(t, d)
	assert.Equal(t, []string{"bad", "long"}, p.Calls())
}

func TestPlaybackPanicIsRecovered(t *testing.T) {
	p := &fakePlayer{panics: map[string]bool{"short": true}}
	d := newDispatcher(t, p, Options{})
	ctx := context.Background()

	d.Tick(ctx, at("2017-08-23 08:00:00"))
	wait(t, d)
	assert.Empty(t, d.Snapshot().InFlight)

	d.Tick(ctx, at("2017-08-23 10:00:00"))
	wait(t, d)
	assert.Equal(t, []string{"short", "bad"}, p.Calls())
}

func TestManualRing(t *testing.T) {
	p := &fakePlayer{}
	d := newDispatcher(t, p, Options{})

	_, err := d.Ring(context.Background(), "siren")
	require.Error(t, err)

	id, err := d.Ring(context.Background(), "long")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	wait(t, d)
	assert.Equal(t, []string{"long"}, p.Calls())
}

func TestWaitHonorsContext(t *testing.T) {
	p := &fakePlayer{block: make(chan struct{})}
	d := newDispatcher(t, p, Options{})

	_, err := d.Ring(context.Background(), "short")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(p.block)
	wait(t, d)
}

func TestWaitRefusesNewFirings(t *testing.T) {
	p := &fakePlayer{block: make(chan struct{})}
	d := newDispatcher(t, p, Options{})

	_, err := d.Ring(context.Background(), "short")
	require.NoError(t, err)

	waited := make(chan error, 1)
	go func() { waited <- d.Wait(context.Background()) }()
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.closing
	}, time.Second, time.Millisecond)

	_, err = d.Ring(context.Background(), "long")
	assert.ErrorIs(t, err, ErrClosing)

	d.Tick(context.Background(), at("2017-08-23 08:00:00"))

	close(p.block)
	require.NoError(t, <-waited)
	assert.Equal(t, []string{"short"}, p.Calls())
	assert.Empty(t, d.Snapshot().InFlight)
}

func TestCancelStopsPlayback(t *testing.T) {
	p := &fakePlayer{block: make(chan struct{})}
	d := newDispatcher(t, p, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	d.Tick(ctx, at("2017-08-23 08:00:00"))
	require.Eventually(t, func() bool { return len(p.Calls()) == 1 }, time.Second, time.Millisecond)

	cancel()
	wait(t, d)
	assert.Empty(t, d.Snapshot().InFlight)
}
