package camera

import (
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/cjeanneret/GantryScan/internal/debug"
)

// Mock writes small generated JPEG frames instead of talking to a sensor.
// Used for dry runs without camera hardware.
type Mock struct {
	Width  int
	Height int

	mu       sync.Mutex
	started  bool
	captured []string
}

// NewMock creates a mock camera producing 64x48 frames.
func NewMock() *Mock {
	return &Mock{Width: 64, Height: 48}
}

func (m *Mock) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.Verbose("Camera: mock started")
	m.started = true
	return nil
}

// CaptureFile writes a frame whose color is derived from the file name.
func (m *Mock) CaptureFile(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return &CaptureError{Path: path, Err: ErrNotStarted}
	}
	if err := checkParent(path); err != nil {
		return &CaptureError{Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &CaptureError{Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return &CaptureError{Path: path, Err: err}
	}
	if err := jpeg.Encode(f, m.frame(filepath.Base(path)), &jpeg.Options{Quality: 75}); err != nil {
		f.Close()
		return &CaptureError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &CaptureError{Path: path, Err: err}
	}
	m.captured = append(m.captured, path)
	return nil
}

func (m *Mock) frame(name string) image.Image {
	h := fnv.New32a()
	h.Write([]byte(name))
	sum := h.Sum32()
	c := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}

	w, ht := m.Width, m.Height
	if w <= 0 {
		w = 64
	}
	if ht <= 0 {
		ht = 48
	}
	img := image.NewRGBA(image.Rect(0, 0, w, ht))
	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}

// Captured returns the paths written so far.
func (m *Mock) Captured() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.captured...)
}
