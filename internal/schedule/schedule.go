// Package schedule holds the immutable schedule tables: for each named
// schedule, the times of day at which a pattern plays.
package schedule

import (
	"errors"
	"fmt"
	"sort"

	"bellsched/internal/config"
	"bellsched/internal/model"
)

// Table is a read-only view of every schedule and pattern.
type Table struct {
	patterns  map[string]model.Pattern
	schedules map[string][]model.Entry
}

// New builds the table, validating every time-of-day key and every pattern
// reference. All problems are reported together.
func New(schedules map[string]map[string]string, patterns map[string]config.PatternConfig) (*Table, error) {
	var errs []error

	t := &Table{
		patterns:  make(map[string]model.Pattern, len(patterns)),
		schedules: make(map[string][]model.Entry, len(schedules)),
	}

	for name, pc := range patterns {
		t.patterns[name] = model.Pattern{
			Name:     name,
			Rings:    pc.Rings,
			Duration: pc.Duration.D(),
			Spacing:  pc.Spacing.D(),
			Lines:    append([]string(nil), pc.Lines...),
		}
	}

	for _, name := range sortedNames(schedules) {
		if name == config.NoneSchedule {
			errs = append(errs, fmt.Errorf("schedules.%s: name is reserved", name))
			continue
		}
		times := schedules[name]
		entries := make([]model.Entry, 0, len(times))
		for key, patternName := range times {
			at, err := model.ParseTimeOfDay(key)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedules.%s: %w", name, err))
				continue
			}
			p, ok := t.patterns[patternName]
			if !ok {
				errs = append(errs, fmt.Errorf("schedules.%s.%s: unknown pattern %q", name, key, patternName))
				continue
			}
			entries = append(entries, model.Entry{At: at, Pattern: p})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].At.Minutes() < entries[j].At.Minutes()
		})
		t.schedules[name] = entries
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// Lookup returns the entries of a schedule ordered by time of day. The
// returned slice must not be modified.
func (t *Table) Lookup(name string) ([]model.Entry, bool) {
	entries, ok := t.schedules[name]
	return entries, ok
}

// Has reports whether a schedule is defined.
func (t *Table) Has(name string) bool {
	_, ok := t.schedules[name]
	return ok
}

// Pattern returns a pattern by name.
func (t *Table) Pattern(name string) (model.Pattern, bool) {
	p, ok := t.patterns[name]
	return p, ok
}

// Names lists the defined schedules in lexical order.
func (t *Table) Names() []string {
	return sortedNames(t.schedules)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
