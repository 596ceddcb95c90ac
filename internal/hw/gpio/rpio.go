package gpio

import (
	"fmt"

	"github.com/cjeanneret/GantryScan/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	pins map[int]rpio.Pin
}

// NewRPiDriver memory-maps the GPIO registers.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) Output(pin int) error {
	debug.GPIO("Output", pin, nil)
	p := rpio.Pin(pin)
	p.Output()
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) Write(pin int, level Level) error {
	debug.GPIO("Write", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.Output(pin); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// Close returns every pin it drove to input (high impedance) and unmaps GPIO.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	for pin, p := range r.pins {
		debug.Verbose("Releasing pin %d", pin)
		p.Input()
	}
	return rpio.Close()
}
