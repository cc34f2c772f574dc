package gpio

import (
	"sync"

	"github.com/cockroachdb/errors"
	gpiocdev "github.com/warthog618/go-gpiocdev"
)

// Cdev is a Chip backed by the Linux GPIO character device
// (/dev/gpiochipN) via go-gpiocdev.
type Cdev struct {
	chip string

	mu   sync.Mutex
	pins map[int]*cdevPin
}

type cdevPin struct {
	line    *gpiocdev.Line
	mode    Mode
	pull    Pull
	edge    Edge
	handler func(pin int)
}

// NewCdev creates a character-device chip. Lines are requested lazily
// on Setup; chip is the kernel name, e.g. "gpiochip0".
func NewCdev(chip string) *Cdev {
	return &Cdev{
		chip: chip,
		pins: make(map[int]*cdevPin),
	}
}

// Setup requests the line with the given direction and bias. A pin that
// was already requested is released and re-requested.
func (c *Cdev) Setup(pin int, mode Mode, pull Pull) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pins[pin]; ok && p.line != nil {
		_ = p.line.Close()
	}

	p := &cdevPin{mode: mode, pull: pull}
	line, err := c.requestLocked(pin, p)
	if err != nil {
		return errors.Wrapf(err, "gpio: request line %d on %s", pin, c.chip)
	}
	p.line = line
	c.pins[pin] = p
	return nil
}

// Read returns the level of a requested pin.
func (c *Cdev) Read(pin int) (Level, error) {
	c.mu.Lock()
	p, ok := c.pins[pin]
	c.mu.Unlock()
	if !ok {
		return Low, errors.Newf("gpio: pin %d not set up", pin)
	}

	v, err := p.line.Value()
	if err != nil {
		return Low, errors.Wrapf(err, "gpio: read pin %d", pin)
	}
	if v != 0 {
		return High, nil
	}
	return Low, nil
}

// Write sets the level of an output pin.
func (c *Cdev) Write(pin int, level Level) error {
	c.mu.Lock()
	p, ok := c.pins[pin]
	c.mu.Unlock()
	if !ok {
		return errors.Newf("gpio: pin %d not set up", pin)
	}
	if p.mode != Output {
		return errors.Newf("gpio: pin %d is not an output", pin)
	}
	return errors.Wrapf(p.line.SetValue(int(level)), "gpio: write pin %d", pin)
}

// OnEdge re-requests the line with edge detection and an event handler.
func (c *Cdev) OnEdge(pin int, edge Edge, fn func(pin int)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pins[pin]
	if !ok {
		return errors.Newf("gpio: pin %d not set up", pin)
	}
	if p.mode != Input {
		return errors.Newf("gpio: pin %d is not an input", pin)
	}

	_ = p.line.Close()
	p.edge = edge
	p.handler = fn
	line, err := c.requestLocked(pin, p)
	if err != nil {
		return errors.Wrapf(err, "gpio: request events on line %d", pin)
	}
	p.line = line
	return nil
}

// ClearEdge re-requests the line as a plain input.
func (c *Cdev) ClearEdge(pin int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pins[pin]
	if !ok {
		return nil
	}

	_ = p.line.Close()
	p.edge = 0
	p.handler = nil
	line, err := c.requestLocked(pin, p)
	if err != nil {
		return errors.Wrapf(err, "gpio: re-request line %d", pin)
	}
	p.line = line
	return nil
}

// Close releases all requested lines.
func (c *Cdev) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pins {
		if p.line != nil {
			_ = p.line.Close()
		}
	}
	c.pins = make(map[int]*cdevPin)
	return nil
}

// requestLocked builds the option list for the pin's current
// configuration and requests the line.
func (c *Cdev) requestLocked(pin int, p *cdevPin) (*gpiocdev.Line, error) {
	var opts []gpiocdev.LineReqOption

	if p.mode == Output {
		opts = append(opts, gpiocdev.AsOutput(0))
		return gpiocdev.RequestLine(c.chip, pin, opts...)
	}

	opts = append(opts, gpiocdev.AsInput)
	switch p.pull {
	case PullUp:
		opts = append(opts, gpiocdev.WithPullUp)
	case PullDown:
		opts = append(opts, gpiocdev.WithPullDown)
	}

	if p.handler != nil {
		switch p.edge {
		case EdgeRising:
			opts = append(opts, gpiocdev.WithRisingEdge)
		case EdgeFalling:
			opts = append(opts, gpiocdev.WithFallingEdge)
		case EdgeBoth:
			opts = append(opts, gpiocdev.WithBothEdges)
		}
		fn := p.handler
		opts = append(opts, gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			fn(pin)
		}))
	}

	return gpiocdev.RequestLine(c.chip, pin, opts...)
}
