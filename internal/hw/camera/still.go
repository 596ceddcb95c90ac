package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cjeanneret/GantryScan/internal/debug"
)

const (
	defaultCaptureTimeout = 10 * time.Second
	defaultStopGrace      = 3 * time.Second
	framePoll             = 20 * time.Millisecond
)

// StillConfig holds the still settings applied to every capture.
type StillConfig struct {
	Command   string // e.g., "rpicam-still" or "libcamera-still"
	WidthPx   int    // 0 = sensor default
	HeightPx  int    // 0 = sensor default
	Quality   int    // JPEG quality
	ExtraArgs []string
	Timeout   time.Duration // per capture, 0 = 10s
}

// process is a running capture tool.
type process interface {
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// StillCommand keeps one rpicam-still running in signal mode for the whole
// scan. The sensor stays streaming, so exposure and white balance converge
// once during the warm-up and every SIGUSR1 saves a frame.
type StillCommand struct {
	cfg StillConfig

	mu  sync.Mutex
	cur *stillProcess

	lookPath  func(string) (string, error)
	start     func(name string, args ...string) (process, error)
	poll      time.Duration
	stopGrace time.Duration
}

// stillProcess is one running instance of the tool and the file it rewrites
// on every trigger.
type stillProcess struct {
	proc    process
	dir     string
	staging string
	done    chan struct{} // closed when the tool exits
	err     error         // set before done is closed
}

// NewStillCommand creates a camera backed by the rpicam-still tool.
func NewStillCommand(cfg StillConfig) *StillCommand {
	if cfg.Command == "" {
		cfg.Command = "rpicam-still"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCaptureTimeout
	}
	return &StillCommand{
		cfg:       cfg,
		lookPath:  exec.LookPath,
		start:     startProcess,
		poll:      framePoll,
		stopGrace: defaultStopGrace,
	}
}

// Args returns the command line of the long-running tool writing to staging.
// "-t 0 --signal" waits for signals forever; "--thumb none" keeps a single
// JPEG end marker in the file.
func (s *StillCommand) Args(staging string) []string {
	args := []string{"-n", "-t", "0", "--signal", "--thumb", "none", "-o", staging}
	if s.cfg.WidthPx > 0 {
		args = append(args, "--width", strconv.Itoa(s.cfg.WidthPx))
	}
	if s.cfg.HeightPx > 0 {
		args = append(args, "--height", strconv.Itoa(s.cfg.HeightPx))
	}
	if s.cfg.Quality > 0 {
		args = append(args, "-q", strconv.Itoa(s.cfg.Quality))
	}
	return append(args, s.cfg.ExtraArgs...)
}

// Start launches the tool. The caller should let the pipeline run for a
// warm-up period before trusting captures.
func (s *StillCommand) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bin, err := s.lookPath(s.cfg.Command)
	if err != nil {
		return fmt.Errorf("find %s: %w", s.cfg.Command, err)
	}
	dir, err := os.MkdirTemp("", "gantryscan-still-")
	if err != nil {
		return fmt.Errorf("staging directory: %w", err)
	}
	staging := filepath.Join(dir, "frame.jpg")

	args := s.Args(staging)
	debug.Verbose("Camera: starting %s %s", bin, strings.Join(args, " "))
	proc, err := s.start(bin, args...)
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("start %s: %w", bin, err)
	}

	p := &stillProcess{proc: proc, dir: dir, staging: staging, done: make(chan struct{})}
	go func() {
		p.err = proc.Wait()
		close(p.done)
	}()
	s.cur = p
	return nil
}

// CaptureFile triggers one frame and copies it to path. An existing file
// at path is never overwritten.
func (s *StillCommand) CaptureFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cur
	if p == nil {
		return &CaptureError{Path: path, Err: ErrNotStarted}
	}
	if err := checkParent(path); err != nil {
		return &CaptureError{Path: path, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	select {
	case <-p.done:
		return &CaptureError{Path: path, Err: fmt.Errorf("%s exited: %v", s.cfg.Command, p.err)}
	default:
	}

	if err := os.Remove(p.staging); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &CaptureError{Path: path, Err: fmt.Errorf("clear staging frame: %w", err)}
	}
	debug.Trace("Camera: trigger (SIGUSR1)")
	if err := p.proc.Signal(syscall.SIGUSR1); err != nil {
		return &CaptureError{Path: path, Err: fmt.Errorf("trigger: %w", err)}
	}
	data, err := s.awaitFrame(ctx, p)
	if err != nil {
		return &CaptureError{Path: path, Err: err}
	}

	if err := writeNew(path, data); err != nil {
		return &CaptureError{Path: path, Err: err}
	}
	return nil
}

// awaitFrame polls the staging file until it holds a complete JPEG whose
// size did not change between two polls.
func (s *StillCommand) awaitFrame(ctx context.Context, p *stillProcess) ([]byte, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	lastSize := -1
	for {
		data, err := os.ReadFile(p.staging)
		switch {
		case err == nil && completeJPEG(data):
			if len(data) == lastSize {
				return data, nil
			}
			lastSize = len(data)
		default:
			lastSize = -1
		}

		select {
		case <-p.done:
			return nil, fmt.Errorf("%s exited: %v", s.cfg.Command, p.err)
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for frame: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop asks the tool to exit (SIGUSR2) and kills it after a grace period.
func (s *StillCommand) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cur
	if p == nil {
		return nil
	}
	s.cur = nil
	defer os.RemoveAll(p.dir)

	select {
	case <-p.done:
		debug.Verbose("Camera: %s had already exited: %v", s.cfg.Command, p.err)
		return nil
	default:
	}

	if err := p.proc.Signal(syscall.SIGUSR2); err != nil {
		debug.Verbose("Camera: stop signal failed: %v", err)
	}
	select {
	case <-p.done:
		debug.Verbose("Camera: stopped")
		return nil
	case <-time.After(s.stopGrace):
	}

	debug.Info("Camera: %s ignored stop request, killing it", s.cfg.Command)
	if err := p.proc.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", s.cfg.Command, err)
	}
	<-p.done
	return nil
}

// completeJPEG reports whether data starts with SOI and ends with EOI.
func completeJPEG(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == 0xFF && data[1] == 0xD8 &&
		data[len(data)-2] == 0xFF && data[len(data)-1] == 0xD9
}

func writeNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// execProcess runs the tool as a child process and keeps the tail of its
// stderr for error messages.
type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func startProcess(name string, args ...string) (process, error) {
	cmd := exec.Command(name, args...)
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(msg))
		}
	}
	return err
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if extra := t.buf.Len() - 4096; extra > 0 {
		t.buf.Next(extra)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
