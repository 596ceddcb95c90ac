package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/GantryScan/internal/debug"
	"github.com/cjeanneret/GantryScan/internal/hw/camera"
	"github.com/cjeanneret/GantryScan/internal/hw/light"
	"github.com/cjeanneret/GantryScan/internal/logic/geometry"
	"github.com/cjeanneret/GantryScan/internal/logic/motion"
)

// Sequence contains the high-level logic of a grid photo-scan:
// homing, pre-positioning, the serpentine grid and the shutdown.
type Sequence struct {
	motion *motion.Controller
	camera camera.Camera
	light  *light.Light

	// Sleep and Now default to the time package; tests replace them.
	Sleep func(time.Duration)
	Now   func() time.Time
}

// NewSequence creates a scan sequence. l may be nil when no light is wired.
func NewSequence(m *motion.Controller, c camera.Camera, l *light.Light) *Sequence {
	return &Sequence{
		motion: m,
		camera: c,
		light:  l,
		Sleep:  time.Sleep,
		Now:    time.Now,
	}
}

// GridScanParams defines the parameters of one scan.
type GridScanParams struct {
	GridPlan *geometry.GridPlan
	Session  *Session

	Normalize    bool // send G21/G90 before homing
	WaitForMoves bool // send M400 after every move

	LiftFeed    int // mm/min
	TravelFeed  int
	RetreatFeed int

	HomeSettle   time.Duration // after G28
	LiftSettle   time.Duration // after the Z lift
	TravelSettle time.Duration // after the move to the grid origin
	PointSettle  time.Duration // before each capture
	CameraWarmup time.Duration // after the camera starts

	AbortOnFailure bool // stop the grid on the first failed capture
}

// MissedPoint is a grid point whose capture failed.
type MissedPoint struct {
	Row   int    `yaml:"row"`
	Col   int    `yaml:"col"`
	File  string `yaml:"file"`
	Error string `yaml:"error"`
}

// Report is the outcome of a scan.
type Report struct {
	Total    int
	Captured []string // file names, in capture order
	Missed   []MissedPoint
	Duration time.Duration
}

// Visited returns the number of points the scan reached.
func (r *Report) Visited() int {
	return len(r.Captured) + len(r.Missed)
}

// Complete reports whether every point was captured.
func (r *Report) Complete() bool {
	return r.Total > 0 && len(r.Captured) == r.Total
}

// InitializePosition homes the gantry, lifts to the scan height and moves
// to the grid origin. Every move is followed by its settle wait.
func (s *Sequence) InitializePosition(p GridScanParams) error {
	plan := p.GridPlan
	debug.Section("Initializing Position")

	if p.Normalize {
		debug.Verbose("Selecting millimeters and absolute positioning")
		if err := s.motion.UseMillimeters(); err != nil {
			return fmt.Errorf("select millimeters: %w", err)
		}
		if err := s.motion.UseAbsolute(); err != nil {
			return fmt.Errorf("select absolute positioning: %w", err)
		}
	}

	debug.Info("Homing gantry...")
	if err := s.motion.Home(); err != nil {
		return fmt.Errorf("home: %w", err)
	}
	if err := s.settle(p, p.HomeSettle); err != nil {
		return fmt.Errorf("home: %w", err)
	}

	debug.Info("Lifting to Z=%gmm...", plan.StartZ)
	if err := s.motion.MoveZ(plan.StartZ, p.LiftFeed); err != nil {
		return fmt.Errorf("lift: %w", err)
	}
	if err := s.settle(p, p.LiftSettle); err != nil {
		return fmt.Errorf("lift: %w", err)
	}

	origin := plan.Origin()
	debug.Info("Moving to start position X=%gmm Y=%gmm...", origin.X, origin.Y)
	if err := s.motion.MoveXY(origin.X, origin.Y, p.TravelFeed); err != nil {
		return fmt.Errorf("move to start: %w", err)
	}
	if err := s.settle(p, p.TravelSettle); err != nil {
		return fmt.Errorf("move to start: %w", err)
	}
	return nil
}

// settle waits for the last move to finish (M400, if enabled), then
// pauses d so vibrations damp out.
func (s *Sequence) settle(p GridScanParams, d time.Duration) error {
	if p.WaitForMoves {
		if err := s.motion.WaitIdle(); err != nil {
			return fmt.Errorf("wait for moves: %w", err)
		}
	}
	if d > 0 {
		debug.Verbose("Settling %v", d)
		s.Sleep(d)
	}
	return nil
}

// RunGridScan performs the whole scan:
// Row 0: left to right, Row 1: right to left, etc.
// The camera only starts once all pre-scan motion is done, and it is
// always stopped before the gantry parks, whatever ended the grid.
func (s *Sequence) RunGridScan(ctx context.Context, p GridScanParams) (*Report, error) {
	if p.GridPlan == nil || p.Session == nil {
		return nil, errors.New("grid plan and session are required")
	}
	start := s.Now()
	report := &Report{Total: p.GridPlan.Total()}

	err := s.run(ctx, p, report)
	report.Duration = s.Now().Sub(start)

	if merr := p.Session.WriteManifest(p.GridPlan, report, s.Now(), err); merr != nil {
		err = errors.Join(err, merr)
	}
	return report, err
}

func (s *Sequence) run(ctx context.Context, p GridScanParams, report *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.InitializePosition(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	debug.Info("All mechanical movement complete. Initializing camera...")
	if err := s.camera.Start(ctx); err != nil {
		return fmt.Errorf("start camera: %w", err)
	}
	if p.CameraWarmup > 0 {
		debug.Verbose("Camera warm-up %v", p.CameraWarmup)
		s.Sleep(p.CameraWarmup)
	}
	debug.Info("Camera ready")

	scanErr := s.scan(ctx, p, report)
	shutdownErr := s.Shutdown(p)
	return errors.Join(scanErr, shutdownErr)
}

func (s *Sequence) scan(ctx context.Context, p GridScanParams, report *Report) error {
	plan := p.GridPlan
	debug.Section("Starting Grid Scan")
	debug.Info("Starting %d-point scan. Saving to: %s", plan.Total(), p.Session.Dir)

	visited := 0
	for row := 0; row < plan.Size; row++ {
		direction := "left to right"
		if row%2 == 1 {
			direction = "right to left"
		}
		debug.Row(row+1, plan.Size, direction)

		for _, col := range plan.RowColumns(row) {
			if err := ctx.Err(); err != nil {
				debug.Info("Scan interrupted at row %d col %d", row, col)
				return err
			}

			visited++
			debug.Live("Point %d/%d", visited, plan.Total())
			pt := geometry.Point{Row: row, Col: col}
			pos := plan.Position(pt)
			debug.Move(row, col, pos.X, pos.Y)
			if err := s.motion.MoveXY(pos.X, pos.Y, p.TravelFeed); err != nil {
				return fmt.Errorf("move to row %d col %d: %w", row, col, err)
			}
			if err := s.settle(p, p.PointSettle); err != nil {
				return fmt.Errorf("row %d col %d: %w", row, col, err)
			}

			name := geometry.FileName(pt)
			path := p.Session.Path(name)
			if err := s.shoot(ctx, path); err != nil {
				debug.Error(err)
				report.Missed = append(report.Missed, MissedPoint{Row: row, Col: col, File: name, Error: err.Error()})
				if p.AbortOnFailure {
					return err
				}
				continue
			}
			report.Captured = append(report.Captured, name)
			debug.Shot(path)
		}
	}
	return nil
}

// shoot lights the scene for exactly one capture.
func (s *Sequence) shoot(ctx context.Context, path string) error {
	if err := s.light.On(); err != nil {
		return &camera.CaptureError{Path: path, Err: fmt.Errorf("light on: %w", err)}
	}
	err := s.camera.CaptureFile(ctx, path)
	if lerr := s.light.Off(); lerr != nil {
		debug.Error(fmt.Errorf("light off: %w", lerr))
	}
	return err
}

// Shutdown stops the camera, then parks the gantry over the grid origin at
// the scan height.
func (s *Sequence) Shutdown(p GridScanParams) error {
	plan := p.GridPlan
	debug.Section("Shutdown")

	var errs []error
	if err := s.camera.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop camera: %w", err))
	}
	if err := s.light.Off(); err != nil {
		errs = append(errs, fmt.Errorf("light off: %w", err))
	}

	origin := plan.Origin()
	debug.Info("Retreating to start position...")
	if err := s.motion.MoveXYZ(origin.X, origin.Y, plan.StartZ, p.RetreatFeed); err != nil {
		errs = append(errs, fmt.Errorf("retreat: %w", err))
	} else if p.WaitForMoves {
		if err := s.motion.WaitIdle(); err != nil {
			errs = append(errs, fmt.Errorf("retreat: wait for moves: %w", err))
		}
	}
	return errors.Join(errs...)
}
