package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cjeanneret/GantryScan/internal/config"
	"github.com/cjeanneret/GantryScan/internal/debug"
	"github.com/cjeanneret/GantryScan/internal/hw/camera"
	"github.com/cjeanneret/GantryScan/internal/hw/gcode"
	"github.com/cjeanneret/GantryScan/internal/hw/gpio"
	"github.com/cjeanneret/GantryScan/internal/hw/light"
	"github.com/cjeanneret/GantryScan/internal/logic/capture"
	"github.com/cjeanneret/GantryScan/internal/logic/geometry"
	"github.com/cjeanneret/GantryScan/internal/logic/motion"
)

// Overrides holds the values that can be set on the command line.
// Zero means "use config value".
type Overrides struct {
	GridSize int
	StepMm   float64
	Mock     bool
}

func main() {
	// CLI flags
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	gridSize := flag.Int("grid", 0, "override grid size N (N x N points)")
	stepMm := flag.Float64("step", 0, "override spacing between points in mm")
	mock := flag.Bool("mock", false, "dry run: simulated controller, mock camera and mock GPIO")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied)
	if err := validateCLIOverrides(*gridSize, *stepMm); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, Overrides{GridSize: *gridSize, StepMm: *stepMm, Mock: *mock})

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	if debug.IsEnabled(debug.LevelVerbose) {
		debug.PrintStruct("Serial config", cfg.Serial)
		debug.PrintStruct("Motion config", cfg.Motion)
		debug.PrintStruct("Settle config", cfg.Settle)
		debug.PrintStruct("Camera config", cfg.Camera)
	}

	report, err := run(ctx, cfg, *mock)
	if report != nil {
		printSummary(report)
	}
	if err != nil {
		log.Fatalf("%s: %v", failureKind(err), err)
	}
}

// run wires the hardware and performs one scan.
func run(ctx context.Context, cfg *config.Config, mock bool) (*capture.Report, error) {
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	scanLight, err := light.New(gpioDriver, cfg.Light.Pin, cfg.Light.ActiveHigh)
	if err != nil {
		return nil, fmt.Errorf("init light: %w", err)
	}
	debug.Value("Light pin", cfg.Light.Pin)

	debug.Step(2, "Initializing camera")
	cam, err := newCameraFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init camera: %w", err)
	}
	debug.Value("Camera type", cfg.Camera.Type)

	debug.Step(3, "Connecting to motion controller")
	opener := gcode.OpenSerial
	if mock {
		opener = gcode.OpenSimulator
	}
	link, err := gcode.Open(cfg.Serial.Port, gcode.Options{
		BaudRate:     cfg.Serial.BaudRate,
		ReadTimeout:  cfg.ReadTimeout(),
		AckRetries:   cfg.Serial.AckRetries,
		AckTimeout:   cfg.AckTimeout(),
		ConnectDelay: connectDelay(cfg, mock),
		Open:         opener,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := link.Close(); err != nil {
			log.Printf("closing serial link failed: %v", err)
		}
	}()
	debug.Info("Connected to %s at %d baud", cfg.Serial.Port, cfg.Serial.BaudRate)

	// The session folder only exists once the controller answered the port.
	debug.Step(4, "Creating session directory")
	session, err := capture.NewSession(cfg.Output.BaseDir, time.Now())
	if err != nil {
		return nil, err
	}
	debug.Value("Session", session.ID)
	debug.Value("Output directory", session.Dir)

	debug.Step(5, "Calculating grid plan")
	gridPlan := geometry.CalculateGridPlan(cfg)
	debug.Summary("Grid Plan Summary")
	debug.Grid(gridPlan.Size, gridPlan.StepMm)
	origin := gridPlan.Origin()
	debug.Info("Origin: X=%gmm Y=%gmm Z=%gmm", origin.X, origin.Y, gridPlan.StartZ)

	seq := capture.NewSequence(motion.NewController(link), cam, scanLight)
	return seq.RunGridScan(ctx, scanParams(cfg, gridPlan, session))
}

// scanParams maps configuration onto the parameters of one scan.
func scanParams(cfg *config.Config, plan *geometry.GridPlan, session *capture.Session) capture.GridScanParams {
	return capture.GridScanParams{
		GridPlan:       plan,
		Session:        session,
		Normalize:      cfg.Motion.Normalize,
		WaitForMoves:   cfg.Motion.WaitForMoves,
		LiftFeed:       cfg.Motion.LiftFeed,
		TravelFeed:     cfg.Motion.TravelFeed,
		RetreatFeed:    cfg.Motion.RetreatFeed,
		HomeSettle:     cfg.HomeSettle(),
		LiftSettle:     cfg.LiftSettle(),
		TravelSettle:   cfg.TravelSettle(),
		PointSettle:    cfg.PointSettle(),
		CameraWarmup:   cfg.CameraWarmup(),
		AbortOnFailure: cfg.AbortOnFailure(),
	}
}

func connectDelay(cfg *config.Config, mock bool) time.Duration {
	if mock {
		return 0
	}
	return cfg.ConnectDelay()
}

func printSummary(r *capture.Report) {
	debug.Summary("Scan Summary")
	debug.Info("Captured %d/%d photos in %v", len(r.Captured), r.Total, r.Duration.Round(time.Millisecond))
	for _, m := range r.Missed {
		debug.Info("Missed row %d col %d (%s): %s", m.Row, m.Col, m.File, m.Error)
	}
	if r.Complete() {
		fmt.Printf("Scan complete: %d photos\n", len(r.Captured))
		return
	}
	fmt.Printf("Scan finished: %d/%d photos, %d missed\n", len(r.Captured), r.Total, len(r.Missed))
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(grid int, step float64) error {
	if grid < 0 || grid > 100 {
		return fmt.Errorf("grid must be between 1 and 100, got %d", grid)
	}
	if step != 0 {
		if math.IsNaN(step) || math.IsInf(step, 0) || step <= 0 || step > 1000 {
			return fmt.Errorf("step must be between 0 and 1000 mm, got %g", step)
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
// Mock switches every backend to its dry-run implementation.
func applyOverrides(cfg *config.Config, o Overrides) {
	if o.GridSize > 0 {
		cfg.Grid.Size = o.GridSize
	}
	if o.StepMm > 0 {
		cfg.Grid.StepMm = o.StepMm
	}
	if o.Mock {
		cfg.Defaults.MockGPIO = true
		cfg.Camera.Type = "mock"
	}
}

// newCameraFromConfig selects a camera implementation based on configuration.
func newCameraFromConfig(cfg *config.Config) (camera.Camera, error) {
	switch cfg.Camera.Type {
	case "rpicam_still":
		return camera.NewStillCommand(camera.StillConfig{
			Command:   cfg.Camera.Command,
			WidthPx:   cfg.Camera.WidthPx,
			HeightPx:  cfg.Camera.HeightPx,
			Quality:   cfg.Camera.Quality,
			ExtraArgs: cfg.Camera.ExtraArgs,
			Timeout:   cfg.CaptureTimeout(),
		}), nil
	case "mock":
		return camera.NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// failureKind names the class of a fatal scan error for the final log line.
func failureKind(err error) string {
	var ce *gcode.ConnectionError
	var de *capture.DirectoryError
	var capErr *camera.CaptureError
	switch {
	case errors.As(err, &ce):
		return "connection error"
	case errors.As(err, &de):
		return "directory error"
	case errors.Is(err, gcode.ErrProtocolTimeout):
		return "protocol timeout"
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.As(err, &capErr):
		return "capture error"
	default:
		return "scan failed"
	}
}
