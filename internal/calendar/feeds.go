package calendar

import (
	"context"
	"errors"
	"fmt"

	"bellsched/internal/config"
	"bellsched/internal/ics"
	appLog "bellsched/internal/log"
)

// LoadFeeds fetches and parses every configured feed once. A feed that
// yields no body (network down and nothing cached) is a configuration
// error: the calendar would otherwise silently ring on holidays.
func LoadFeeds(ctx context.Context, fetcher *ics.Fetcher, cfgs []config.FeedConfig) ([]Feed, error) {
	var errs []error
	feeds := make([]Feed, 0, len(cfgs))

	for i, fc := range cfgs {
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("feed%d", i)
		}
		src := ics.Source{ID: id, URL: fc.URL, Path: fc.Path}

		res, err := fetcher.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar.feeds.%s: %w", id, err))
			continue
		}
		f, err := ics.NewFeed(src, res.Body, fc.Match)
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar.feeds.%s: %w", id, err))
			continue
		}
		appLog.Info("calendar feed loaded",
			"id", id,
			"events", len(f.Events),
			"schedule", fc.Schedule,
			"from_cache", res.FromCache,
		)
		feeds = append(feeds, Feed{Feed: f, Schedule: fc.Schedule})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return feeds, nil
}
