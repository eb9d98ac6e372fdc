package main

import (
	"context"
	"fmt"

	"bellsched/internal/calendar"
	"bellsched/internal/config"
	"bellsched/internal/ics"
	appLog "bellsched/internal/log"
	"bellsched/internal/planner"
	"bellsched/internal/schedule"
)

// app is the loaded, validated engine without any hardware attached.
type app struct {
	cfg      *config.Config
	table    *schedule.Table
	resolver *calendar.Resolver
	planner  *planner.Planner
}

// loadApp reads the configuration, applies flag overrides and builds the
// schedule table and calendar. Every error here is a configuration error.
func loadApp(ctx context.Context, opts *rootOptions, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	lvl, err := appLog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	appLog.SetLevel(lvl)

	table, err := schedule.New(cfg.Schedules, cfg.Patterns)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	feeds, err := calendar.LoadFeeds(ctx, ics.NewFetcher(cfg.CacheDir), cfg.Calendar.Feeds)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	resolver, err := calendar.New(cfg.Calendar, feeds, table)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &app{
		cfg:      cfg,
		table:    table,
		resolver: resolver,
		planner:  planner.New(resolver, table),
	}, nil
}
