package ics

import (
	"sort"
	"strings"
	"time"
)

// Feed is a parsed ICS source. Every date covered by one of its (matching)
// events is a hit.
type Feed struct {
	Source Source
	Events []ParsedEvent

	match string
}

// NewFeed parses body into a Feed. match is an optional case-insensitive
// substring that an event SUMMARY must contain to count.
func NewFeed(src Source, body []byte, match string) (*Feed, error) {
	events, err := ParseICS(src, body)
	if err != nil {
		return nil, err
	}
	return &Feed{
		Source: src,
		Events: events,
		match:  strings.ToLower(strings.TrimSpace(match)),
	}, nil
}

// On returns the earliest matching occurrence that overlaps the local
// calendar date of day.
func (f *Feed) On(day time.Time) (Occurrence, bool) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())

	res, err := ExpandOccurrences(f.Events, ExpandConfig{
		Location:   day.Location(),
		RangeStart: start,
		RangeEnd:   start.AddDate(0, 0, 1),
	})
	if err != nil {
		return Occurrence{}, false
	}

	hits := make([]Occurrence, 0, len(res.Occurrences))
	for _, occ := range res.Occurrences {
		if f.match != "" && !strings.Contains(strings.ToLower(occ.Summary), f.match) {
			continue
		}
		hits = append(hits, occ)
	}
	if len(hits) == 0 {
		return Occurrence{}, false
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Start.Equal(hits[j].Start) {
			return hits[i].UID < hits[j].UID
		}
		return hits[i].Start.Before(hits[j].Start)
	})
	return hits[0], true
}
