package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Camera is the high-level interface used by the rest of the application.
// It represents a still camera that is configured once, then asked to
// write frames to files until it is stopped.
type Camera interface {
	// Start configures still mode and starts the capture pipeline.
	Start(ctx context.Context) error
	// CaptureFile writes one frame to path.
	CaptureFile(ctx context.Context, path string) error
	// Stop releases the pipeline. Stopping a stopped camera is a no-op.
	Stop() error
}

// ErrNotStarted is returned by CaptureFile before Start or after Stop.
var ErrNotStarted = errors.New("camera not started")

// CaptureError reports a failed capture of a single frame.
type CaptureError struct {
	Path string
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Path, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// checkParent fails if the directory that should hold path is missing.
func checkParent(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory: %s is not a directory", dir)
	}
	return nil
}
