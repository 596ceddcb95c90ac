// Package gcode implements the line protocol spoken by 3D-printer style
// motion controllers: one command per line, answered by an "ok" line.
package gcode

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/GantryScan/internal/debug"
)

// Options configure a Link.
type Options struct {
	BaudRate     int
	ReadTimeout  time.Duration // per read attempt
	AckRetries   int           // consecutive empty reads before ErrProtocolTimeout
	AckTimeout   time.Duration // total wait for one "ok", busy lines included
	ConnectDelay time.Duration // controller reset time after the port opens

	Open  Opener              // defaults to OpenSerial
	Sleep func(time.Duration) // defaults to time.Sleep
	Now   func() time.Time    // defaults to time.Now
}

const (
	defaultAckRetries = 120
	defaultAckTimeout = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = time.Second
	}
	if o.AckRetries <= 0 {
		o.AckRetries = defaultAckRetries
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}
	if o.Open == nil {
		o.Open = OpenSerial
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Link sends commands to a motion controller and waits for each "ok".
// Only one command is in flight at a time.
type Link struct {
	mu         sync.Mutex
	port       Port
	retries    int
	ackTimeout time.Duration
	now        func() time.Time
	pending    []byte // bytes read past the last complete line
	stale      bool   // a timed-out command may still be answered
	closed     bool
}

// Open connects to the controller on the named port.
// Any failure is returned as a *ConnectionError.
func Open(name string, opts Options) (*Link, error) {
	opts = opts.withDefaults()

	debug.Verbose("Opening %s at %d baud", name, opts.BaudRate)
	port, err := opts.Open(name, opts.BaudRate)
	if err != nil {
		return nil, &ConnectionError{Port: name, Err: err}
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, &ConnectionError{Port: name, Err: fmt.Errorf("set read timeout: %w", err)}
	}

	// Marlin boards reboot when the port opens and print a banner.
	if opts.ConnectDelay > 0 {
		debug.Verbose("Waiting %v for controller reset", opts.ConnectDelay)
		opts.Sleep(opts.ConnectDelay)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, &ConnectionError{Port: name, Err: fmt.Errorf("flush input: %w", err)}
	}

	link := NewLink(port, opts.AckRetries)
	link.ackTimeout = opts.AckTimeout
	link.now = opts.Now
	return link, nil
}

// NewLink wraps an already configured port.
func NewLink(port Port, ackRetries int) *Link {
	if ackRetries <= 0 {
		ackRetries = defaultAckRetries
	}
	return &Link{
		port:       port,
		retries:    ackRetries,
		ackTimeout: defaultAckTimeout,
		now:        time.Now,
	}
}

// Send writes cmd and blocks until the controller acknowledges it.
func (l *Link) Send(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if l.stale {
		// Drop the late "ok" of the command that timed out.
		l.flush()
		l.stale = false
	}

	cmd = strings.TrimSpace(cmd)
	debug.Serial(">", cmd)
	line := cmd + "\n"
	n, err := l.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	if n != len(line) {
		return fmt.Errorf("write %q: %w", cmd, ErrWriteFailed)
	}

	return l.waitAck(cmd)
}

// waitAck reads until an "ok" line. It gives up after retries consecutive
// empty reads, or once ackTimeout has elapsed even if the controller keeps
// printing busy lines.
func (l *Link) waitAck(cmd string) error {
	buf := make([]byte, 256)
	start := l.now()
	empty, reads := 0, 0
	for {
		for {
			line, ok := l.nextLine()
			if !ok {
				break
			}
			empty = 0
			if isAck(line) {
				debug.Serial("<", line)
				return nil
			}
			logReply(line)
		}

		if elapsed := l.now().Sub(start); elapsed >= l.ackTimeout {
			return l.timedOut(cmd, reads, elapsed)
		}

		n, err := l.port.Read(buf)
		reads++
		if err != nil {
			return fmt.Errorf("read reply to %q: %w", cmd, err)
		}
		if n == 0 {
			empty++
			if empty >= l.retries {
				return l.timedOut(cmd, reads, l.now().Sub(start))
			}
			continue
		}
		l.pending = append(l.pending, buf[:n]...)
	}
}

func (l *Link) timedOut(cmd string, reads int, elapsed time.Duration) error {
	l.flush()
	l.stale = true
	return &TimeoutError{Command: cmd, Attempts: reads, Elapsed: elapsed}
}

// flush discards buffered and unread input.
func (l *Link) flush() {
	l.pending = nil
	if err := l.port.ResetInputBuffer(); err != nil {
		debug.Error(fmt.Errorf("flush serial input: %w", err))
	}
}

// nextLine pops one complete, non-empty line from the pending buffer.
func (l *Link) nextLine() (string, bool) {
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			return "", false
		}
		line := strings.TrimSpace(string(l.pending[:i]))
		l.pending = l.pending[i+1:]
		if line != "" {
			return line, true
		}
	}
}

// isAck accepts "ok" and firmware variants such as "ok T:21.3 /0.0".
func isAck(line string) bool {
	lower := strings.ToLower(line)
	return lower == "ok" || strings.HasPrefix(lower, "ok ")
}

func logReply(line string) {
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, "error"), strings.HasPrefix(lower, "!!"):
		debug.Info("Controller reported: %s", line)
	default:
		debug.Serial("<", line)
	}
}

// Close closes the serial port. Further sends fail with ErrClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}
