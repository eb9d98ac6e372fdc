package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bellsched/internal/actuator"
	"bellsched/internal/dispatch"
	appLog "bellsched/internal/log"
	"bellsched/internal/player"
	"bellsched/internal/runner"
	"bellsched/internal/web"
)

const version = "0.1.0"

// rootOptions holds flags shared by every command.
type rootOptions struct {
	listen   string
	logLevel string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		appLog.Error("bellsched failed", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "bellsched <config>",
		Short:         "Ring a bell on a calendar-driven schedule",
		Args:          cobra.ExactArgs(1),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, args[0])
		},
	}

	cmd.PersistentFlags().StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error (overrides config if set)")

	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newRingCommand(opts))
	cmd.AddCommand(newInitCommand())

	return cmd
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func runDaemon(opts *rootOptions, path string) error {
	appLog.Info("bellsched starting", "version", version, "config", path)

	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx, opts, path)
	if err != nil {
		return err
	}
	cfg := a.cfg

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"tick", cfg.Tick,
		"replan", cfg.Replan,
		"window", cfg.Dispatch.Window,
		"rearm", cfg.Dispatch.Rearm,
		"actuators", len(cfg.Actuators),
		"schedules", len(cfg.Schedules),
		"patterns", len(cfg.Patterns),
		"feeds", len(cfg.Calendar.Feeds),
	)

	bank, err := actuator.NewBank(cfg.Actuators)
	if err != nil {
		return err
	}

	p := player.New(player.WithExclusive(bank.Exclusive))
	disp := dispatch.New(a.planner, a.table, bank, p, dispatch.Options{
		Window: cfg.Dispatch.Window.D(),
		Rearm:  cfg.Dispatch.Rearm,
	})

	if cfg.Listen != "" {
		srv := web.NewServer(ctx, cfg, disp, a.planner)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				appLog.Error("HTTP server failed", err, "listen", cfg.Listen)
				cancel()
			}
		}()
	}

	r := runner.New(disp, bank, runner.Options{
		Tick:            cfg.Tick,
		Replan:          cfg.Replan,
		ShutdownTimeout: cfg.ShutdownTimeout.D(),
	})
	if err := r.Run(ctx); err != nil {
		return err
	}

	appLog.Info("bellsched exiting")
	return nil
}
