// Package ring drives the physical bell and the dial tone audio.
package ring

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/dialbox/internal/app/sched"
	"github.com/osa030/dialbox/internal/infra/gpio"
)

// Default ring cadence: 2 s on, 4 s off.
const (
	DefaultRingOn  = 2 * time.Second
	DefaultRingOff = 4 * time.Second
)

// Ringer toggles the bell driver pin with a fixed cadence. Starting an
// already ringing bell and stopping an already silent one are no-ops.
type Ringer struct {
	chip      gpio.Chip
	scheduler *sched.Scheduler
	pin       int
	onDur     time.Duration
	offDur    time.Duration

	mu      sync.Mutex
	ringing bool
	bellOn  bool
	timer   *sched.Task
}

// RingerConfig holds Ringer construction parameters.
type RingerConfig struct {
	Pin    int           // Bell driver output pin
	OnDur  time.Duration // Zero means DefaultRingOn
	OffDur time.Duration // Zero means DefaultRingOff
}

// NewRinger creates a Ringer and configures its output pin.
func NewRinger(chip gpio.Chip, scheduler *sched.Scheduler, cfg RingerConfig) (*Ringer, error) {
	onDur := cfg.OnDur
	if onDur <= 0 {
		onDur = DefaultRingOn
	}
	offDur := cfg.OffDur
	if offDur <= 0 {
		offDur = DefaultRingOff
	}

	if err := chip.Setup(cfg.Pin, gpio.Output, gpio.PullNone); err != nil {
		return nil, errors.Wrap(err, "ring: setup bell pin")
	}

	return &Ringer{
		chip:      chip,
		scheduler: scheduler,
		pin:       cfg.Pin,
		onDur:     onDur,
		offDur:    offDur,
	}, nil
}

// StartRinging begins the on/off cadence. No-op if already ringing.
func (r *Ringer) StartRinging() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ringing {
		return
	}
	r.ringing = true
	r.setBellLocked(gpio.High)
	r.timer = r.scheduler.Schedule(r.onDur, r.onCadence)

	zlog.Info().Msgf("ring: started: on=%v off=%v", r.onDur, r.offDur)
}

// StopRinging silences the bell. No-op if not ringing.
func (r *Ringer) StopRinging() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ringing {
		return
	}
	r.ringing = false
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
	r.setBellLocked(gpio.Low)

	zlog.Info().Msg("ring: stopped")
}

// IsRinging reports whether the cadence is active.
func (r *Ringer) IsRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

// onCadence flips the bell and re-arms for the next phase.
func (r *Ringer) onCadence() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// StopRinging may have raced the fire.
	if !r.ringing {
		return
	}

	if r.bellOn {
		r.setBellLocked(gpio.Low)
		r.timer = r.scheduler.Schedule(r.offDur, r.onCadence)
	} else {
		r.setBellLocked(gpio.High)
		r.timer = r.scheduler.Schedule(r.onDur, r.onCadence)
	}
}

func (r *Ringer) setBellLocked(level gpio.Level) {
	if err := r.chip.Write(r.pin, level); err != nil {
		zlog.Error().Err(err).Msgf("ring: write bell pin %d", r.pin)
		return
	}
	r.bellOn = level == gpio.High
}
