package gcode

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Simulator is an in-memory controller for dry runs. It acknowledges every
// line, tracks the commanded position and answers M114 like Marlin does.
type Simulator struct {
	mu      sync.Mutex
	out     bytes.Buffer
	partial []byte
	x, y, z float64
	lines   []string
	closed  bool
}

// OpenSimulator is an Opener that ignores the port name and baud rate.
func OpenSimulator(name string, baud int) (Port, error) {
	return NewSimulator(), nil
}

// NewSimulator returns a simulator that has just printed its boot banner.
func NewSimulator() *Simulator {
	s := &Simulator{}
	s.out.WriteString("start\necho: simulated controller\n")
	return s
}

func (s *Simulator) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("simulator closed")
	}
	s.partial = append(s.partial, b...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(s.partial[:i]))
		s.partial = s.partial[i+1:]
		if line != "" {
			s.handle(line)
		}
	}
	return len(b), nil
}

func (s *Simulator) handle(line string) {
	s.lines = append(s.lines, line)
	fields := strings.Fields(strings.ToUpper(line))
	switch fields[0] {
	case "G28":
		s.x, s.y, s.z = 0, 0, 0
	case "G0", "G1":
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f[1:], 64)
			if err != nil {
				continue
			}
			switch f[0] {
			case 'X':
				s.x = v
			case 'Y':
				s.y = v
			case 'Z':
				s.z = v
			}
		}
	case "M114":
		s.out.WriteString("X:" + strconv.FormatFloat(s.x, 'f', 2, 64) +
			" Y:" + strconv.FormatFloat(s.y, 'f', 2, 64) +
			" Z:" + strconv.FormatFloat(s.z, 'f', 2, 64) + "\n")
	}
	s.out.WriteString("ok\n")
}

// Read never blocks: with nothing queued it behaves like a read timeout.
func (s *Simulator) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return 0, nil
	}
	return s.out.Read(b)
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) SetReadTimeout(time.Duration) error { return nil }

func (s *Simulator) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Reset()
	return nil
}

// Position returns the last commanded position.
func (s *Simulator) Position() (x, y, z float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, s.z
}

// Lines returns every command received so far.
func (s *Simulator) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
