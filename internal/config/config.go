package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	appLog "bellsched/internal/log"
)

// NoneSchedule is the reserved schedule name meaning "no ringing that day".
const NoneSchedule = "none"

// Rearm policies for a same-day replan.
const (
	RearmKeep  = "keep"
	RearmReset = "rearm"
)

// MockPin selects the logging-only actuator line.
const MockPin = "mock"

// CronParser accepts 5-field specs, an optional leading seconds field and
// descriptors such as "@every 1s" or "@midnight".
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// RateConfig limits manual rings issued through the HTTP API.
type RateConfig struct {
	PerMinute float64 `yaml:"per_minute" json:"per_minute"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// DispatchConfig tunes trigger evaluation.
type DispatchConfig struct {
	// Window is how long after a trigger's time a tick may still fire it.
	Window Duration `yaml:"window" json:"window"`
	// Rearm is the same-day replan policy: "keep" or "rearm".
	Rearm string `yaml:"rearm" json:"rearm"`
}

// ActuatorConfig describes a single output line.
type ActuatorConfig struct {
	// Pin is a periph.io GPIO name ("GPIO17") or "mock".
	Pin string `yaml:"pin" json:"pin"`
	// ActiveLow drives the pin low for "active" (common relay boards).
	ActiveLow bool `yaml:"active_low" json:"active_low"`
	// Exclusive serializes patterns on this line instead of letting
	// overlapping playbacks race.
	Exclusive bool `yaml:"exclusive" json:"exclusive"`
}

// RuleConfig selects a schedule on every date produced by an RRULE.
type RuleConfig struct {
	Name     string `yaml:"name" json:"name"`
	RRule    string `yaml:"rrule" json:"rrule"`
	Schedule string `yaml:"schedule" json:"schedule"`
}

// FeedConfig selects a schedule on every date that has an event in an ICS
// feed (typically a holiday calendar).
type FeedConfig struct {
	ID       string `yaml:"id" json:"id"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Schedule string `yaml:"schedule" json:"schedule"`
	// Match is an optional case-insensitive SUMMARY substring filter.
	Match string `yaml:"match,omitempty" json:"match,omitempty"`
}

// CalendarConfig maps dates to schedule names.
type CalendarConfig struct {
	Default   map[string]string `yaml:"default" json:"default"`
	Overrides map[string]string `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	Rules     []RuleConfig      `yaml:"rules,omitempty" json:"rules,omitempty"`
	Feeds     []FeedConfig      `yaml:"feeds,omitempty" json:"feeds,omitempty"`

	// Legacy captures date keys written directly under "calendar", the
	// layout used by older bell configs. Normalize folds them into Overrides.
	Legacy map[string]string `yaml:",inline" json:"-"`
}

// PatternConfig is the on-disk form of a ring pattern.
type PatternConfig struct {
	Rings    int      `yaml:"rings" json:"rings"`
	Duration Duration `yaml:"duration" json:"duration"`
	Spacing  Duration `yaml:"spacing" json:"spacing"`
	Lines    []string `yaml:"lines,omitempty" json:"lines,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Listen is the HTTP listen address for the status API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Tick is the cron spec of the trigger evaluation tick.
	Tick string `yaml:"tick" json:"tick"`

	// Replan is the cron spec of the day-boundary replan.
	Replan string `yaml:"replan" json:"replan"`

	// ShutdownTimeout bounds how long shutdown waits for in-flight patterns.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// CacheDir stores fetched ICS feeds so restarts work offline.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	RingRate  RateConfig                `yaml:"ring_rate" json:"ring_rate"`
	Dispatch  DispatchConfig            `yaml:"dispatch" json:"dispatch"`
	Actuators map[string]ActuatorConfig `yaml:"actuators" json:"actuators"`

	Calendar  CalendarConfig               `yaml:"calendar" json:"calendar"`
	Schedules map[string]map[string]string `yaml:"schedules" json:"schedules"`
	Patterns  map[string]PatternConfig     `yaml:"patterns" json:"patterns"`
}

// DefaultConfig returns an example configuration: a weekday school schedule
// on a single relay.
func DefaultConfig() *Config {
	cfg := &Config{
		Actuators: map[string]ActuatorConfig{
			"bell": {Pin: "GPIO17"},
		},
		Calendar: CalendarConfig{
			Default: map[string]string{
				"Monday":    "normal_day",
				"Tuesday":   "normal_day",
				"Wednesday": "half_day",
				"Thursday":  "normal_day",
				"Friday":    "normal_day",
			},
			Overrides: map[string]string{},
		},
		Schedules: map[string]map[string]string{
			"normal_day": {
				"08:00": "high_school",
				"08:20": "junior_high",
				"15:00": "high_school",
			},
			"half_day": {
				"09:00": "high_school",
				"09:20": "junior_high",
				"12:00": "high_school",
			},
		},
		Patterns: map[string]PatternConfig{
			"high_school": {Rings: 1, Duration: Seconds(2), Spacing: Seconds(1)},
			"junior_high": {Rings: 3, Duration: Seconds(1), Spacing: Seconds(1)},
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (such as the legacy JSON layout) still behave.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Tick == "" {
		c.Tick = "@every 1s"
	}
	if c.Replan == "" {
		c.Replan = "0 0 * * *"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Seconds(5)
	}
	if c.CacheDir == "" {
		c.CacheDir = "/var/lib/bellsched/ics-cache"
	}
	if c.RingRate.PerMinute <= 0 {
		c.RingRate.PerMinute = 6
	}
	if c.RingRate.Burst <= 0 {
		c.RingRate.Burst = 2
	}
	if c.Dispatch.Window <= 0 {
		c.Dispatch.Window = Seconds(60)
	}
	switch c.Dispatch.Rearm {
	case RearmKeep, RearmReset:
		// ok
	case "":
		c.Dispatch.Rearm = RearmKeep
	}
	if len(c.Actuators) == 0 {
		appLog.Warn("no actuators configured; using a mock line", "line", "bell")
		c.Actuators = map[string]ActuatorConfig{"bell": {Pin: MockPin}}
	}
	if c.Calendar.Default == nil {
		c.Calendar.Default = map[string]string{}
	}
	if c.Calendar.Overrides == nil {
		c.Calendar.Overrides = map[string]string{}
	}
	for date, name := range c.Calendar.Legacy {
		if _, ok := c.Calendar.Overrides[date]; !ok {
			c.Calendar.Overrides[date] = name
		}
	}
	c.Calendar.Legacy = nil
	if c.Schedules == nil {
		c.Schedules = map[string]map[string]string{}
	}
	if c.Patterns == nil {
		c.Patterns = map[string]PatternConfig{}
	}
}

// Validate checks the parts of the configuration that do not depend on the
// calendar or schedule tables; those are validated when they are built.
// All problems are reported together, each naming the offending key.
func (c *Config) Validate() error {
	var errs []error

	if _, err := appLog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if gap, err := TickInterval(c.Tick); err != nil {
		errs = append(errs, fmt.Errorf("tick %q: %w", c.Tick, err))
	} else if c.Dispatch.Window.D() < gap {
		appLog.Warn("dispatch.window is shorter than the tick interval, triggers may be missed",
			"window", c.Dispatch.Window.D(), "tick", c.Tick, "interval", gap)
	}
	if _, err := CronParser.Parse(c.Replan); err != nil {
		errs = append(errs, fmt.Errorf("replan %q: %w", c.Replan, err))
	}
	if c.Dispatch.Rearm != RearmKeep && c.Dispatch.Rearm != RearmReset {
		errs = append(errs, fmt.Errorf("dispatch.rearm: unknown policy %q (want %q or %q)", c.Dispatch.Rearm, RearmKeep, RearmReset))
	}

	for _, name := range sortedKeys(c.Actuators) {
		if strings.TrimSpace(c.Actuators[name].Pin) == "" {
			errs = append(errs, fmt.Errorf("actuators.%s.pin: empty", name))
		}
	}

	for _, name := range sortedKeys(c.Patterns) {
		p := c.Patterns[name]
		if p.Rings < 1 {
			errs = append(errs, fmt.Errorf("patterns.%s.rings: must be at least 1, got %d", name, p.Rings))
		}
		if p.Duration < 0 {
			errs = append(errs, fmt.Errorf("patterns.%s.duration: negative", name))
		}
		if p.Spacing < 0 {
			errs = append(errs, fmt.Errorf("patterns.%s.spacing: negative", name))
		}
		seen := make(map[string]bool, len(p.Lines))
		for _, line := range p.Lines {
			if seen[line] {
				errs = append(errs, fmt.Errorf("patterns.%s.lines: duplicate actuator %q", name, line))
				continue
			}
			seen[line] = true
			if _, ok := c.Actuators[line]; !ok {
				errs = append(errs, fmt.Errorf("patterns.%s.lines: unknown actuator %q", name, line))
			}
		}
	}

	if _, ok := c.Schedules[NoneSchedule]; ok {
		errs = append(errs, fmt.Errorf("schedules.%s: name is reserved", NoneSchedule))
	}

	for i, f := range c.Calendar.Feeds {
		if (f.URL == "") == (f.Path == "") {
			errs = append(errs, fmt.Errorf("calendar.feeds[%d]: exactly one of url or path is required", i))
		}
	}

	return errors.Join(errs...)
}

// TickInterval parses spec with CronParser and returns the gap between its
// next two activations.
func TickInterval(spec string) (time.Duration, error) {
	sched, err := CronParser.Parse(spec)
	if err != nil {
		return 0, err
	}
	first := sched.Next(time.Now())
	return sched.Next(first).Sub(first), nil
}

// Load loads configuration from the given YAML (or JSON) path, normalizes
// defaults and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, normalizes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as YAML through a temp file and rename. The file ends up
// 0600 and missing parent directories are created 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".bellsched-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
