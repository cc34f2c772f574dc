// Package hook monitors the hook switch with debouncing.
package hook

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/dialbox/internal/app/sched"
	"github.com/osa030/dialbox/internal/infra/gpio"
)

// DefaultDebounce is the window a proposed transition must survive
// before it is committed.
const DefaultDebounce = 25 * time.Millisecond

// State is the confirmed hook switch state.
type State int

const (
	OnHook  State = iota // Handset on the cradle
	OffHook              // Handset lifted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case OnHook:
		return "on_hook"
	case OffHook:
		return "off_hook"
	default:
		return "unknown"
	}
}

// Monitor debounces the hook switch pin. The pin uses a pull-up:
// HIGH = on-hook, LOW = off-hook.
//
// A raw edge only proposes a transition; the proposal is committed when
// a re-sample at the end of the debounce window still agrees with it.
// The double sample matters because a bounce can land exactly at timer
// expiry.
type Monitor struct {
	chip      gpio.Chip
	scheduler *sched.Scheduler
	pin       int
	debounce  time.Duration

	mu        sync.Mutex
	state     State
	pending   *State
	timer     *sched.Task
	onOffHook func()
	onOnHook  func()
	running   bool
}

// Config holds Monitor construction parameters.
type Config struct {
	Pin      int           // Hook switch input pin
	Debounce time.Duration // Zero means DefaultDebounce
}

// NewMonitor creates a Monitor. Call SetCallbacks before Start.
func NewMonitor(chip gpio.Chip, scheduler *sched.Scheduler, cfg Config) *Monitor {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{
		chip:      chip,
		scheduler: scheduler,
		pin:       cfg.Pin,
		debounce:  debounce,
	}
}

// SetCallbacks sets the transition callbacks. They run outside the
// monitor lock.
func (m *Monitor) SetCallbacks(onOffHook, onOnHook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffHook = onOffHook
	m.onOnHook = onOnHook
}

// Start samples the pin for the initial state (no debounce needed for
// the first read) and registers edge detection.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		zlog.Warn().Msg("hook: monitor already running")
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if err := m.chip.Setup(m.pin, gpio.Input, gpio.PullUp); err != nil {
		return errors.Wrap(err, "hook: setup pin")
	}

	level, err := m.chip.Read(m.pin)
	if err != nil {
		return errors.Wrap(err, "hook: initial read")
	}
	initial := stateFromLevel(level)

	m.mu.Lock()
	m.state = initial
	m.mu.Unlock()

	if err := m.chip.OnEdge(m.pin, gpio.EdgeBoth, m.onEdge); err != nil {
		return errors.Wrap(err, "hook: register edge")
	}

	zlog.Info().Msgf("hook: monitor started: pin=%d initial=%s debounce=%v", m.pin, initial, m.debounce)
	return nil
}

// Stop removes edge detection and discards any pending transition.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.timer != nil {
		m.timer.Cancel()
		m.timer = nil
	}
	m.pending = nil
	m.mu.Unlock()

	if err := m.chip.ClearEdge(m.pin); err != nil {
		zlog.Error().Err(err).Msg("hook: clear edge")
	}
	zlog.Info().Msg("hook: monitor stopped")
}

// State returns the confirmed hook state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// onEdge handles a raw transition on the hook pin.
func (m *Monitor) onEdge(int) {
	level, err := m.chip.Read(m.pin)
	if err != nil {
		zlog.Error().Err(err).Msg("hook: read on edge")
		return
	}
	proposed := stateFromLevel(level)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	// Noise that does not actually propose a change must not restart
	// the debounce of a real pending transition.
	if proposed == m.state {
		return
	}

	if m.timer != nil {
		m.timer.Cancel()
	}
	m.pending = &proposed
	m.timer = m.scheduler.Schedule(m.debounce, m.onDebounceExpired)

	zlog.Debug().Msgf("hook: edge: %s -> %s (debouncing)", m.state, proposed)
}

// onDebounceExpired commits the pending transition if the pin still
// agrees with it.
func (m *Monitor) onDebounceExpired() {
	m.mu.Lock()
	if !m.running || m.pending == nil {
		m.mu.Unlock()
		return
	}
	proposed := *m.pending
	m.pending = nil
	m.timer = nil
	m.mu.Unlock()

	level, err := m.chip.Read(m.pin)
	if err != nil {
		zlog.Error().Err(err).Msg("hook: re-sample failed, discarding transition")
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if stateFromLevel(level) != proposed {
		// Bounced back during the window.
		zlog.Debug().Msg("hook: state changed during debounce, ignoring")
		m.mu.Unlock()
		return
	}
	if proposed == m.state {
		// A bounce edge during the unlocked re-sample can arm a second
		// fire for a transition that the first fire already committed.
		m.mu.Unlock()
		return
	}

	old := m.state
	m.state = proposed
	offHook := m.onOffHook
	onHook := m.onOnHook
	m.mu.Unlock()

	zlog.Info().Msgf("hook: state changed: %s -> %s", old, proposed)

	if proposed == OffHook && offHook != nil {
		offHook()
	} else if proposed == OnHook && onHook != nil {
		onHook()
	}
}

func stateFromLevel(level gpio.Level) State {
	if level == gpio.High {
		return OnHook
	}
	return OffHook
}
