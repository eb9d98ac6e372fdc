// Package runner drives the dispatcher from cron jobs and owns the daemon
// lifecycle: readiness notification, shutdown and actuator release.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"bellsched/internal/config"
	appLog "bellsched/internal/log"
	"bellsched/internal/planner"
)

// Dispatcher is the part of dispatch.Dispatcher the runner drives.
type Dispatcher interface {
	Tick(ctx context.Context, now time.Time)
	Replan(ctx context.Context, now time.Time) *planner.Day
	Wait(ctx context.Context) error
}

// Releaser drives every actuator line inactive.
type Releaser interface {
	ReleaseAll() error
}

// Options configure a Runner.
type Options struct {
	Tick            string
	Replan          string
	ShutdownTimeout time.Duration

	// Notify sends a systemd state string. Defaults to sd_notify.
	Notify func(state string)
	// Now defaults to time.Now.
	Now func() time.Time
}

type Runner struct {
	d    Dispatcher
	rel  Releaser
	opts Options
}

func New(d Dispatcher, rel Releaser, opts Options) *Runner {
	if opts.Tick == "" {
		opts.Tick = "@every 1s"
	}
	if opts.Replan == "" {
		opts.Replan = "0 0 * * *"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Notify == nil {
		opts.Notify = sdNotify
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{d: d, rel: rel, opts: opts}
}

// Run plans today, starts the tick and replan jobs and blocks until ctx is
// cancelled. Playbacks run on ctx, so cancelling it also stops them; Run then
// waits for them (bounded by ShutdownTimeout) and releases every line.
func (r *Runner) Run(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(time.Local),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(r.opts.Tick, func() {
		r.d.Tick(ctx, r.opts.Now())
	}); err != nil {
		return fmt.Errorf("tick %q: %w", r.opts.Tick, err)
	}
	if _, err := c.AddFunc(r.opts.Replan, func() {
		r.d.Replan(ctx, r.opts.Now())
	}); err != nil {
		return fmt.Errorf("replan %q: %w", r.opts.Replan, err)
	}

	r.d.Replan(ctx, r.opts.Now())
	c.Start()
	appLog.Info("scheduler started", "tick", r.opts.Tick, "replan", r.opts.Replan)
	r.opts.Notify(daemon.SdNotifyReady)

	<-ctx.Done()

	r.opts.Notify(daemon.SdNotifyStopping)
	return r.shutdown(c)
}

func (r *Runner) shutdown(c *cron.Cron) error {
	start := time.Now()
	sctx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()

	var errs []error

	// Stop returns a context that is done once running jobs have returned.
	select {
	case <-c.Stop().Done():
	case <-sctx.Done():
	}

	if err := r.d.Wait(sctx); err != nil {
		appLog.Warn("playbacks still running at shutdown timeout", "timeout", r.opts.ShutdownTimeout)
		errs = append(errs, fmt.Errorf("wait for playbacks: %w", err))
	}

	if err := r.rel.ReleaseAll(); err != nil {
		appLog.Error("failed to release actuator lines", err)
		errs = append(errs, fmt.Errorf("release lines: %w", err))
	}

	appLog.Info("scheduler stopped", "took", time.Since(start))
	return errors.Join(errs...)
}

func sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		appLog.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		appLog.Debug("sd_notify sent", "state", state)
	}
}

// cronLogger routes robfig/cron's logr-style calls to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
