package gpio

import (
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// Sim is an in-memory Chip for tests and mock mode. SetInput simulates
// external hardware driving an input pin and triggers any registered
// edge handler.
type Sim struct {
	mu       sync.Mutex
	modes    map[int]Mode
	pulls    map[int]Pull
	levels   map[int]Level
	edges    map[int]Edge
	handlers map[int]func(pin int)
}

// NewSim creates a simulated GPIO chip.
func NewSim() *Sim {
	return &Sim{
		modes:    make(map[int]Mode),
		pulls:    make(map[int]Pull),
		levels:   make(map[int]Level),
		edges:    make(map[int]Edge),
		handlers: make(map[int]func(pin int)),
	}
}

// Setup configures a pin. Input pins idle at the level implied by the
// pull resistor.
func (s *Sim) Setup(pin int, mode Mode, pull Pull) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modes[pin] = mode
	s.pulls[pin] = pull
	if mode == Input && pull == PullUp {
		s.levels[pin] = High
	} else {
		s.levels[pin] = Low
	}
	return nil
}

// Read returns the current level of a pin.
func (s *Sim) Read(pin int) (Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.modes[pin]; !ok {
		return Low, errors.Newf("gpio: pin %d not set up", pin)
	}
	return s.levels[pin], nil
}

// Write sets the level of an output pin.
func (s *Sim) Write(pin int, level Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.modes[pin] != Output {
		return errors.Newf("gpio: pin %d is not an output", pin)
	}
	s.levels[pin] = level
	return nil
}

// OnEdge registers an edge handler for an input pin.
func (s *Sim) OnEdge(pin int, edge Edge, fn func(pin int)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.modes[pin] != Input {
		return errors.Newf("gpio: pin %d is not an input", pin)
	}
	s.edges[pin] = edge
	s.handlers[pin] = fn
	return nil
}

// ClearEdge removes the edge handler from a pin.
func (s *Sim) ClearEdge(pin int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.edges, pin)
	delete(s.handlers, pin)
	return nil
}

// Close releases all pins.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.modes = make(map[int]Mode)
	s.pulls = make(map[int]Pull)
	s.levels = make(map[int]Level)
	s.edges = make(map[int]Edge)
	s.handlers = make(map[int]func(pin int))
	return nil
}

// SetInput drives an input pin from the outside, firing the edge
// handler when the transition matches its registered edge. The handler
// runs on the caller's goroutine, outside the Sim lock, mirroring how a
// real chip delivers events from a hardware thread.
func (s *Sim) SetInput(pin int, level Level) {
	s.mu.Lock()
	if s.modes[pin] != Input {
		s.mu.Unlock()
		zlog.Warn().Msgf("gpio sim: SetInput on non-input pin %d ignored", pin)
		return
	}

	prev := s.levels[pin]
	s.levels[pin] = level

	var fire func(pin int)
	if fn, ok := s.handlers[pin]; ok && prev != level {
		switch s.edges[pin] {
		case EdgeRising:
			if level == High {
				fire = fn
			}
		case EdgeFalling:
			if level == Low {
				fire = fn
			}
		case EdgeBoth:
			fire = fn
		}
	}
	s.mu.Unlock()

	if fire != nil {
		fire(pin)
	}
}

// Level returns the current level of any pin, for test assertions.
func (s *Sim) Level(pin int) Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[pin]
}
