// Package light switches the scan illumination around each capture.
package light

import (
	"github.com/cjeanneret/GantryScan/internal/debug"
	"github.com/cjeanneret/GantryScan/internal/hw/gpio"
)

// Light is a lamp or LED ring behind a GPIO-driven relay or MOSFET.
// A nil *Light is valid and does nothing, for rigs without a light.
type Light struct {
	gpio       gpio.Driver
	pin        int
	activeHigh bool
}

// New configures pin as an output and switches the light off.
// A pin of 0 means no light is wired; New then returns nil.
func New(g gpio.Driver, pin int, activeHigh bool) (*Light, error) {
	if pin <= 0 {
		return nil, nil
	}
	l := &Light{gpio: g, pin: pin, activeHigh: activeHigh}
	if err := g.Output(pin); err != nil {
		return nil, err
	}
	if err := l.Off(); err != nil {
		return nil, err
	}
	return l, nil
}

// On switches the light on.
func (l *Light) On() error {
	if l == nil {
		return nil
	}
	debug.Verbose("Light: on (pin %d)", l.pin)
	return l.gpio.Write(l.pin, gpio.Level(l.activeHigh))
}

// Off switches the light off.
func (l *Light) Off() error {
	if l == nil {
		return nil
	}
	debug.Verbose("Light: off (pin %d)", l.pin)
	return l.gpio.Write(l.pin, gpio.Level(!l.activeHigh))
}
