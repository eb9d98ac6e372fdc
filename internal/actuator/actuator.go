// Package actuator drives the output lines (bell relays) that patterns pulse.
package actuator

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"bellsched/internal/config"
	appLog "bellsched/internal/log"
)

// Line is a single output that is either active (bell ringing) or inactive.
// This allows us to have a mock implementation for development and a
// periph.io GPIO-backed implementation for Raspberry Pi.
type Line interface {
	Name() string
	Set(active bool) error
}

// gpioLine drives a GPIO pin through periph.io.
type gpioLine struct {
	name      string
	pin       gpio.PinOut
	activeLow bool
}

var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// OpenGPIO resolves pinName ("GPIO17") via periph.io and drives it to the
// inactive level before returning.
func OpenGPIO(name, pinName string, activeLow bool) (Line, error) {
	if runtime.GOOS != "linux" {
		return nil, errors.New("actuator: gpio unavailable on this platform")
	}
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("actuator: periph host init failed: %w", err)
	}

	p := gpioreg.ByName(pinName)
	if p == nil {
		return nil, fmt.Errorf("actuator: gpio %s not found", pinName)
	}

	l := &gpioLine{name: name, pin: p, activeLow: activeLow}
	if err := l.Set(false); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *gpioLine) Name() string { return l.name }

func (l *gpioLine) Set(active bool) error {
	level := gpio.Level(active != l.activeLow)
	if err := l.pin.Out(level); err != nil {
		return fmt.Errorf("actuator %s: gpio %s out %v: %w", l.name, l.pin, level, err)
	}
	return nil
}

// MockLine only logs transitions. It is used for development machines and
// for "pin: mock" in the configuration.
type MockLine struct {
	name string

	mu          sync.Mutex
	active      bool
	activations int
}

// NewMockLine constructs a logging-only line.
func NewMockLine(name string) *MockLine {
	return &MockLine{name: name}
}

func (m *MockLine) Name() string { return m.name }

func (m *MockLine) Set(active bool) error {
	m.mu.Lock()
	if active && !m.active {
		m.activations++
	}
	m.active = active
	m.mu.Unlock()

	appLog.Debug("mock line", "line", m.name, "active", active)
	return nil
}

// Active reports the current state.
func (m *MockLine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Activations counts inactive-to-active transitions.
func (m *MockLine) Activations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activations
}

// Bank holds every configured line by name.
type Bank struct {
	lines     map[string]Line
	names     []string
	exclusive map[string]bool
}

// NewBank builds lines from configuration. Outside Linux every line falls
// back to a MockLine so the scheduler can be exercised on a laptop.
func NewBank(cfg map[string]config.ActuatorConfig) (*Bank, error) {
	b := &Bank{
		lines:     make(map[string]Line, len(cfg)),
		exclusive: make(map[string]bool),
	}

	var errs []error
	for _, name := range sortedNames(cfg) {
		ac := cfg[name]
		var (
			l   Line
			err error
		)
		switch {
		case ac.Pin == config.MockPin:
			l = NewMockLine(name)
		case runtime.GOOS != "linux":
			appLog.Warn("gpio unavailable on this platform; using mock line", "line", name, "pin", ac.Pin, "os", runtime.GOOS)
			l = NewMockLine(name)
		default:
			l, err = OpenGPIO(name, ac.Pin, ac.ActiveLow)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("actuators.%s: %w", name, err))
			continue
		}
		b.add(l, ac.Exclusive)
		appLog.Info("actuator line ready", "line", name, "pin", ac.Pin, "active_low", ac.ActiveLow, "exclusive", ac.Exclusive)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b, nil
}

// NewBankFromLines wraps already constructed lines.
func NewBankFromLines(lines ...Line) *Bank {
	b := &Bank{
		lines:     make(map[string]Line, len(lines)),
		exclusive: make(map[string]bool),
	}
	for _, l := range lines {
		b.add(l, false)
	}
	return b
}

func (b *Bank) add(l Line, exclusive bool) {
	if _, ok := b.lines[l.Name()]; !ok {
		b.names = append(b.names, l.Name())
		sort.Strings(b.names)
	}
	b.lines[l.Name()] = l
	if exclusive {
		b.exclusive[l.Name()] = true
	}
}

// SetExclusive marks a line as serialized.
func (b *Bank) SetExclusive(name string, exclusive bool) {
	if exclusive {
		b.exclusive[name] = true
	} else {
		delete(b.exclusive, name)
	}
}

// Exclusive reports whether patterns on this line must not overlap.
func (b *Bank) Exclusive(name string) bool {
	return b.exclusive[name]
}

// Names lists the lines in lexical order.
func (b *Bank) Names() []string {
	return append([]string(nil), b.names...)
}

// Select returns the named lines; no names means every line.
func (b *Bank) Select(names []string) ([]Line, error) {
	if len(names) == 0 {
		names = b.names
	}
	out := make([]Line, 0, len(names))
	for _, n := range names {
		l, ok := b.lines[n]
		if !ok {
			return nil, fmt.Errorf("actuator: unknown line %q", n)
		}
		out = append(out, l)
	}
	return out, nil
}

// ReleaseAll drives every line inactive, best effort. It is called on
// shutdown so no relay stays latched.
func (b *Bank) ReleaseAll() error {
	var errs []error
	for _, n := range b.names {
		if err := b.lines[n].Set(false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
