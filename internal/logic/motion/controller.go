package motion

import (
	"math"
	"strconv"

	"github.com/cjeanneret/GantryScan/internal/debug"
)

// Sender delivers one command line and waits for its acknowledgement.
// *gcode.Link is the production implementation.
type Sender interface {
	Send(cmd string) error
}

// Controller orchestrates gantry movements through G-code.
// It's an intermediate layer between business logic (scan sequences)
// and the serial line protocol. It never interprets replies.
type Controller struct {
	link Sender
}

func NewController(link Sender) *Controller {
	return &Controller{link: link}
}

func (c *Controller) send(cmd string) error {
	debug.Verbose("G-code: %s", cmd)
	return c.link.Send(cmd)
}

// Home homes all axes (G28).
func (c *Controller) Home() error {
	return c.send("G28")
}

// UseMillimeters selects millimeter units (G21).
func (c *Controller) UseMillimeters() error {
	return c.send("G21")
}

// UseAbsolute selects absolute positioning (G90).
func (c *Controller) UseAbsolute() error {
	return c.send("G90")
}

// WaitIdle blocks until the planner queue is empty and the gantry has stopped (M400).
func (c *Controller) WaitIdle() error {
	return c.send("M400")
}

// MoveZ moves the Z axis only.
func (c *Controller) MoveZ(z float64, feed int) error {
	return c.send("G1 Z" + coord(z) + " F" + strconv.Itoa(feed))
}

// MoveXY moves X and Y together, keeping Z.
func (c *Controller) MoveXY(x, y float64, feed int) error {
	return c.send("G1 X" + coord(x) + " Y" + coord(y) + " F" + strconv.Itoa(feed))
}

// MoveXYZ moves all three axes in one linear move.
func (c *Controller) MoveXYZ(x, y, z float64, feed int) error {
	return c.send("G1 X" + coord(x) + " Y" + coord(y) + " Z" + coord(z) + " F" + strconv.Itoa(feed))
}

// coord prints a position in mm with at most 3 decimals and no trailing zeros.
func coord(v float64) string {
	v = math.Round(v*1000) / 1000
	if v == 0 {
		v = 0 // drop negative zero
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
