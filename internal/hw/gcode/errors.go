package gcode

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProtocolTimeout means the controller never acknowledged a command.
	ErrProtocolTimeout = errors.New("motion controller did not acknowledge")

	ErrWriteFailed = errors.New("short write to serial port")
	ErrClosed      = errors.New("serial link closed")
)

// ConnectionError is returned when the serial port cannot be opened.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to motion controller on %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is returned when no "ok" arrives for Command within the
// retry bound or the overall acknowledgement timeout.
// It matches ErrProtocolTimeout with errors.Is.
type TimeoutError struct {
	Command  string
	Attempts int // reads made while waiting
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v: %q unanswered after %d reads (%v)", ErrProtocolTimeout, e.Command, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return ErrProtocolTimeout }
