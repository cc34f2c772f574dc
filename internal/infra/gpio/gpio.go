// Package gpio provides the GPIO capability consumed by the hardware
// components: pin setup, level read/write and edge-triggered callbacks.
// Two implementations exist: Cdev for the Linux GPIO character device
// and Sim for tests and mock mode.
package gpio

// Mode configures a pin as input or output.
type Mode int

const (
	Input Mode = iota
	Output
)

// Pull selects the bias resistor for input pins.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Edge selects which transitions trigger an edge callback.
type Edge int

const (
	EdgeRising Edge = iota + 1
	EdgeFalling
	EdgeBoth
)

// Level is a pin level.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

// Chip is the GPIO capability. Edge callbacks are invoked from a
// hardware event goroutine owned by the implementation; they must not
// block for long.
type Chip interface {
	// Setup configures a pin. For inputs, pull selects the bias.
	Setup(pin int, mode Mode, pull Pull) error

	// Read returns the current level of an input pin.
	Read(pin int) (Level, error)

	// Write sets the level of an output pin.
	Write(pin int, level Level) error

	// OnEdge registers fn to be called on the selected transitions of
	// an input pin. At most one handler per pin; registering again
	// replaces the previous handler.
	OnEdge(pin int, edge Edge, fn func(pin int)) error

	// ClearEdge removes the edge handler from a pin.
	ClearEdge(pin int) error

	// Close releases all requested pins.
	Close() error
}
