package gcode

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of a serial port the link needs.
// go.bug.st/serial ports satisfy it; tests use in-memory fakes.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds each Read. A Read that times out
	// returns 0 bytes and a nil error.
	SetReadTimeout(timeout time.Duration) error
	// ResetInputBuffer discards unread input.
	ResetInputBuffer() error
}

// Opener opens the named port at the given baud rate.
type Opener func(name string, baud int) (Port, error)

// OpenSerial opens a real serial device, 8N1.
func OpenSerial(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
