package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bellsched/internal/actuator"
	"bellsched/internal/config"
	appLog "bellsched/internal/log"
	"bellsched/internal/model"
	"bellsched/internal/planner"
	"bellsched/internal/player"
)

const checkDays = 7

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <config>",
		Short: "Validate the configuration and show the next 7 days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK: %d schedules, %d patterns, %d actuators\n\n",
				len(a.cfg.Schedules), len(a.cfg.Patterns), len(a.cfg.Actuators))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tDAY\tSCHEDULE\tLAYER\tSOURCE\tTRIGGERS")
			today := model.DateOnly(time.Now())
			for i := 0; i < checkDays; i++ {
				day := a.planner.Plan(today.AddDate(0, 0, i))
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
					day.Date.Format(model.DateLayout),
					day.Date.Weekday().String()[:3],
					scheduleLabel(day),
					day.Decision.Layer,
					day.Decision.Source,
					len(day.Triggers),
				)
			}
			return tw.Flush()
		},
	}
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <config> <YYYY-MM-DD>",
		Short: "Show the schedule and triggers for a date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := time.ParseInLocation(model.DateLayout, args[1], time.Local)
			if err != nil {
				return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", args[1])
			}
			a, err := loadApp(cmd.Context(), opts, args[0])
			if err != nil {
				return err
			}
			printDay(cmd.OutOrStdout(), a.planner.Plan(date))
			return nil
		},
	}
}

func scheduleLabel(day *planner.Day) string {
	if !day.Decision.OK() {
		return "(none)"
	}
	return day.Decision.Schedule
}

func printDay(w io.Writer, day *planner.Day) {
	fmt.Fprintf(w, "%s (%s): %s\n", day.Date.Format(model.DateLayout), day.Date.Weekday(), scheduleLabel(day))
	fmt.Fprintf(w, "decided by %s", day.Decision.Layer)
	if day.Decision.Source != "" {
		fmt.Fprintf(w, " %s", day.Decision.Source)
	}
	if day.Decision.Detail != "" {
		fmt.Fprintf(w, " (%s)", day.Decision.Detail)
	}
	fmt.Fprintln(w)

	if len(day.Triggers) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tPATTERN\tRINGS\tDURATION\tSPACING\tLINES")
	for _, t := range day.Triggers {
		lines := "all"
		if len(t.Pattern.Lines) > 0 {
			lines = strings.Join(t.Pattern.Lines, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.At, t.Pattern.Name, t.Pattern.Rings, t.Pattern.Duration, t.Pattern.Spacing, lines)
	}
	_ = tw.Flush()
}

func newRingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ring <config> <pattern>",
		Short: "Play one pattern now and exit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := loadApp(ctx, opts, args[0])
			if err != nil {
				return err
			}
			pat, ok := a.table.Pattern(args[1])
			if !ok {
				return fmt.Errorf("unknown pattern %q", args[1])
			}

			bank, err := actuator.NewBank(a.cfg.Actuators)
			if err != nil {
				return err
			}
			return ringOnce(ctx, bank, pat)
		},
	}
}

// ringOnce plays pat on its lines and always leaves every line inactive.
func ringOnce(ctx context.Context, bank *actuator.Bank, pat model.Pattern) (err error) {
	defer func() {
		if rerr := bank.ReleaseAll(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	lines, err := bank.Select(pat.Lines)
	if err != nil {
		return err
	}

	appLog.Info("manual ring", "pattern", pat.Name, "rings", pat.Rings, "took_at_least", pat.Total())
	return player.New(player.WithExclusive(bank.Exclusive)).Play(ctx, pat, lines)
}

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init <config>",
		Short: "Write an example configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote example configuration to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
