// Package dial decodes rotary dial pulses into digits.
package dial

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/dialbox/internal/app/sched"
	"github.com/osa030/dialbox/internal/infra/gpio"
)

// DefaultPulseTimeout is the inactivity window after the last pulse
// before the accumulated count is emitted as a digit.
const DefaultPulseTimeout = 200 * time.Millisecond

// Decoder counts falling edges on the dial-pulse pin and emits one
// digit per completed pulse train:
//
//	1 pulse  -> "1"
//	...
//	9 pulses -> "9"
//	10 pulses -> "0"
//
// A train with more than 10 pulses is invalid and is discarded.
type Decoder struct {
	chip         gpio.Chip
	scheduler    *sched.Scheduler
	pin          int
	pulseTimeout time.Duration

	mu         sync.Mutex
	pulseCount int
	timer      *sched.Task
	onDigit    func(digit string)
	running    bool
}

// Config holds Decoder construction parameters.
type Config struct {
	Pin          int           // Dial-pulse input pin
	PulseTimeout time.Duration // Zero means DefaultPulseTimeout
}

// NewDecoder creates a Decoder. Call SetOnDigit before Start.
func NewDecoder(chip gpio.Chip, scheduler *sched.Scheduler, cfg Config) *Decoder {
	timeout := cfg.PulseTimeout
	if timeout <= 0 {
		timeout = DefaultPulseTimeout
	}
	return &Decoder{
		chip:         chip,
		scheduler:    scheduler,
		pin:          cfg.Pin,
		pulseTimeout: timeout,
	}
}

// SetOnDigit sets the callback invoked once per decoded digit. The
// callback runs outside the decoder lock.
func (d *Decoder) SetOnDigit(fn func(digit string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDigit = fn
}

// Start configures the pulse pin and begins counting falling edges.
func (d *Decoder) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		zlog.Warn().Msg("dial: decoder already running")
		return nil
	}
	d.running = true
	d.pulseCount = 0
	d.mu.Unlock()

	if err := d.chip.Setup(d.pin, gpio.Input, gpio.PullUp); err != nil {
		return errors.Wrap(err, "dial: setup pulse pin")
	}
	if err := d.chip.OnEdge(d.pin, gpio.EdgeFalling, d.onPulse); err != nil {
		return errors.Wrap(err, "dial: register pulse edge")
	}

	zlog.Info().Msgf("dial: decoder started: pin=%d pulse_timeout=%v", d.pin, d.pulseTimeout)
	return nil
}

// Stop removes edge detection and cancels any pending train.
func (d *Decoder) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	if d.timer != nil {
		d.timer.Cancel()
		d.timer = nil
	}
	d.pulseCount = 0
	d.mu.Unlock()

	if err := d.chip.ClearEdge(d.pin); err != nil {
		zlog.Error().Err(err).Msg("dial: clear pulse edge")
	}
	zlog.Info().Msg("dial: decoder stopped")
}

// onPulse handles one falling edge on the dial-pulse pin.
func (d *Decoder) onPulse(int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	d.pulseCount++
	zlog.Debug().Msgf("dial: pulse detected: count=%d", d.pulseCount)

	if d.timer != nil {
		d.timer.Cancel()
	}
	d.timer = d.scheduler.Schedule(d.pulseTimeout, d.onTrainComplete)
}

// onTrainComplete fires when the dial has gone quiet; the accumulated
// count becomes a digit.
func (d *Decoder) onTrainComplete() {
	d.mu.Lock()

	// A stale fire after emission or Stop must be a no-op.
	if d.pulseCount == 0 {
		d.mu.Unlock()
		return
	}

	count := d.pulseCount
	d.pulseCount = 0
	d.timer = nil

	if count > 10 {
		zlog.Warn().Msgf("dial: invalid pulse count %d, discarding", count)
		d.mu.Unlock()
		return
	}

	digit := "0"
	if count < 10 {
		digit = string(rune('0' + count))
	}
	zlog.Info().Msgf("dial: digit detected: %s (%d pulses)", digit, count)

	fn := d.onDigit
	d.mu.Unlock()

	// Invoke outside the lock so the handler may call back into the
	// orchestrator without deadlocking.
	if fn != nil {
		fn(digit)
	}
}
