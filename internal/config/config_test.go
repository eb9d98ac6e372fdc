package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLog "bellsched/internal/log"
)

// legacyJSON is the older JSON layout: override
// dates sit directly under "calendar" and durations are plain seconds.
const legacyJSON = `{
    "calendar": {
        "default": {
            "Monday": "normal_day",
            "Wednesday": "half_day"
        },
        "2017-08-17": "half_day"
    },
    "schedules": {
        "normal_day": {"08:00": "high_school", "08:20": "junior_high"},
        "half_day": {"09:00": "high_school"}
    },
    "patterns": {
        "high_school": {"rings": 1, "duration": 2, "spacing": 1},
        "junior_high": {"rings": 3, "duration": 0.5, "spacing": 1}
    }
}`

func TestParseLegacyJSON(t *testing.T) {
	cfg, err := Parse([]byte(legacyJSON))
	require.NoError(t, err)

	assert.Equal(t, "half_day", cfg.Calendar.Overrides["2017-08-17"])
	assert.Nil(t, cfg.Calendar.Legacy)
	assert.Equal(t, "normal_day", cfg.Calendar.Default["Monday"])

	hs := cfg.Patterns["high_school"]
	assert.Equal(t, 1, hs.Rings)
	assert.Equal(t, 2*time.Second, hs.Duration.D())
	assert.Equal(t, time.Second, hs.Spacing.D())
	assert.Equal(t, 500*time.Millisecond, cfg.Patterns["junior_high"].Duration.D())

	// Defaults.
	assert.Equal(t, "@every 1s", cfg.Tick)
	assert.Equal(t, "0 0 * * *", cfg.Replan)
	assert.Equal(t, RearmKeep, cfg.Dispatch.Rearm)
	assert.Equal(t, time.Minute, cfg.Dispatch.Window.D())
	require.Contains(t, cfg.Actuators, "bell")
	assert.Equal(t, MockPin, cfg.Actuators["bell"].Pin)
}

func TestParseYAMLDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
actuators:
  bell: {pin: GPIO17, active_low: true, exclusive: true}
dispatch:
  window: 30s
  rearm: rearm
patterns:
  short: {rings: 2, duration: 1500ms, spacing: "250ms", lines: [bell]}
`))
	require.NoError(t, err)

	p := cfg.Patterns["short"]
	assert.Equal(t, 1500*time.Millisecond, p.Duration.D())
	assert.Equal(t, 250*time.Millisecond, p.Spacing.D())
	assert.Equal(t, []string{"bell"}, p.Lines)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Window.D())
	assert.Equal(t, RearmReset, cfg.Dispatch.Rearm)
	assert.True(t, cfg.Actuators["bell"].ActiveLow)
	assert.True(t, cfg.Actuators["bell"].Exclusive)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
log_level: loud
tick: "every second"
dispatch: {rearm: sometimes}
actuators:
  bell: {pin: ""}
schedules:
  none: {"08:00": p}
calendar:
  feeds:
    - {id: holidays, schedule: none}
patterns:
  empty: {}
  negative: {rings: 1, duration: -1, spacing: -2s}
  stray: {rings: 1, lines: [horn]}
  twice: {rings: 1, lines: [bell, bell]}
`))
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"tick",
		"dispatch.rearm",
		"actuators.bell.pin",
		"patterns.empty.rings",
		"patterns.negative.duration",
		"patterns.negative.spacing",
		`patterns.stray.lines: unknown actuator "horn"`,
		`patterns.twice.lines: duplicate actuator "bell"`,
		"schedules.none: name is reserved",
		"calendar.feeds[0]",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestInvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`patterns: {p: {rings: 1, duration: soon}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))

	_, err = Load("")
	require.Error(t, err)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bells.yaml")
	require.NoError(t, Save(path, DefaultConfig()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "half_day", cfg.Calendar.Default["Wednesday"])
	assert.Equal(t, 3, cfg.Patterns["junior_high"].Rings)
	assert.Equal(t, time.Second, cfg.Patterns["junior_high"].Duration.D())
	assert.Equal(t, "GPIO17", cfg.Actuators["bell"].Pin)
}

func TestTickInterval(t *testing.T) {
	gap, err := TickInterval("@every 2m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, gap)

	gap, err = TickInterval("*/10 * * * * *")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, gap)

	_, err = TickInterval("sometimes")
	assert.Error(t, err)
}

func TestWindowShorterThanTickWarns(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })

	_, err := Parse([]byte(`
tick: "@every 2m"
dispatch: {window: 1m}
`))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "dispatch.window is shorter than the tick interval")

	buf.Reset()
	_, err = Parse([]byte(`
tick: "@every 30s"
dispatch: {window: 1m}
`))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "dispatch.window")
}
