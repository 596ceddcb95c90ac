package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Capture failure policies.
const (
	OnFailureSkip  = "skip"  // record the point as missed and continue
	OnFailureAbort = "abort" // stop the grid and park the gantry
)

// SerialConfig describes the link to the motion controller.
type SerialConfig struct {
	Port           string `yaml:"port"`             // e.g., "/dev/ttyUSB0"
	BaudRate       int    `yaml:"baud_rate"`        // e.g., 115200
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`  // per read attempt
	AckRetries     int    `yaml:"ack_retries"`      // empty reads tolerated while waiting for "ok"
	AckTimeoutMs   int    `yaml:"ack_timeout_ms"`   // total wait for one "ok"
	ConnectDelayMs int    `yaml:"connect_delay_ms"` // wait after open (controller resets on connect)
}

// GridConfig describes the N×N scan grid.
type GridConfig struct {
	Size    int     `yaml:"size"`      // points per side
	StepMm  float64 `yaml:"step_mm"`   // spacing between adjacent points
	OffsetX float64 `yaml:"offset_x"`  // grid origin X from home (mm)
	OffsetY float64 `yaml:"offset_y"`  // grid origin Y from home (mm)
	StartZ  float64 `yaml:"start_z"`   // Z clearance for the whole scan (mm)
}

// MotionConfig holds feed rates (mm/min) and controller options.
type MotionConfig struct {
	LiftFeed     int  `yaml:"lift_feed"`
	TravelFeed   int  `yaml:"travel_feed"`
	RetreatFeed  int  `yaml:"retreat_feed"`
	Normalize    bool `yaml:"normalize"`      // send G21/G90 before homing
	WaitForMoves bool `yaml:"wait_for_moves"` // send M400 after each move
}

// SettleConfig holds the pauses between phases (ms).
type SettleConfig struct {
	HomeMs           int `yaml:"home_ms"`
	LiftMs           int `yaml:"lift_ms"`
	TravelMs         int `yaml:"travel_ms"`
	PointMs          int `yaml:"point_ms"`            // after a grid move without M400
	PointAfterWaitMs int `yaml:"point_after_wait_ms"` // after a grid move confirmed by M400
	CameraWarmupMs   int `yaml:"camera_warmup_ms"`
}

// CameraConfig describes how frames are captured.
// Type selects a concrete implementation ("rpicam_still" or "mock").
type CameraConfig struct {
	Type             string   `yaml:"type"`
	Command          string   `yaml:"command"`            // rpicam_still binary, default "rpicam-still"
	WidthPx          int      `yaml:"width_px"`           // 0 = sensor default
	HeightPx         int      `yaml:"height_px"`          // 0 = sensor default
	Quality          int      `yaml:"quality"`            // JPEG quality 1-100
	ExtraArgs        []string `yaml:"extra_args"`         // appended to every capture
	CaptureTimeoutMs int      `yaml:"capture_timeout_ms"` // per capture
}

// LightConfig describes the optional scan light on a GPIO pin.
type LightConfig struct {
	Pin        int  `yaml:"pin"`         // BCM pin, 0 = no light
	ActiveHigh bool `yaml:"active_high"` // false = relay boards that switch on LOW
}

// OutputConfig describes where session folders go and what to do on failure.
type OutputConfig struct {
	BaseDir   string `yaml:"base_dir"`   // parent of scan_<unix> folders
	OnFailure string `yaml:"on_failure"` // "skip" or "abort"
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Grid     GridConfig     `yaml:"grid"`
	Motion   MotionConfig   `yaml:"motion"`
	Settle   SettleConfig   `yaml:"settle"`
	Camera   CameraConfig   `yaml:"camera"`
	Light    LightConfig    `yaml:"light"`
	Output   OutputConfig   `yaml:"output"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
// Keys absent from the document keep their default; an explicit 0 is kept.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for every key a file leaves out.
// serial.port and the grid have no sensible default and must be set.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			BaudRate:       115200,
			ReadTimeoutMs:  1000,
			AckRetries:     120,    // two minutes at 1s per read, enough for G28
			AckTimeoutMs:   300000, // upper bound even while the controller reports busy
			ConnectDelayMs: 2000,
		},
		Motion: MotionConfig{
			LiftFeed:    1500,
			TravelFeed:  3000,
			RetreatFeed: 3000,
			Normalize:   true,
		},
		Settle: SettleConfig{
			HomeMs:           3000,
			LiftMs:           2000,
			TravelMs:         2000,
			PointMs:          1500,
			PointAfterWaitMs: 500,
			CameraWarmupMs:   2000,
		},
		Camera: CameraConfig{
			Type:             "rpicam_still",
			Command:          "rpicam-still",
			Quality:          93,
			CaptureTimeoutMs: 10000,
		},
		Output: OutputConfig{
			BaseDir:   ".",
			OnFailure: OnFailureSkip,
		},
	}
}

// Validate checks the invariants of a loaded configuration.
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be > 0, got %d", c.Serial.BaudRate)
	}
	if c.Serial.ReadTimeoutMs <= 0 || c.Serial.AckRetries <= 0 || c.Serial.AckTimeoutMs <= 0 {
		return fmt.Errorf("serial read_timeout_ms, ack_retries and ack_timeout_ms must be > 0")
	}
	if c.Serial.ConnectDelayMs < 0 {
		return fmt.Errorf("serial.connect_delay_ms must be >= 0, got %d", c.Serial.ConnectDelayMs)
	}

	if c.Grid.Size < 1 {
		return fmt.Errorf("grid.size must be >= 1, got %d", c.Grid.Size)
	}
	if err := positive("grid.step_mm", c.Grid.StepMm); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"grid.offset_x": c.Grid.OffsetX,
		"grid.offset_y": c.Grid.OffsetY,
		"grid.start_z":  c.Grid.StartZ,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a finite value >= 0, got %g", name, v)
		}
	}

	if c.Motion.LiftFeed <= 0 || c.Motion.TravelFeed <= 0 || c.Motion.RetreatFeed <= 0 {
		return fmt.Errorf("motion feed rates must be > 0")
	}

	s := c.Settle
	if s.HomeMs < 0 || s.LiftMs < 0 || s.TravelMs < 0 || s.PointMs < 0 || s.PointAfterWaitMs < 0 || s.CameraWarmupMs < 0 {
		return fmt.Errorf("settle delays must be >= 0")
	}

	if c.Camera.CaptureTimeoutMs < 0 {
		return fmt.Errorf("camera.capture_timeout_ms must be >= 0, got %d", c.Camera.CaptureTimeoutMs)
	}
	switch c.Camera.Type {
	case "rpicam_still", "mock":
	default:
		return fmt.Errorf("unsupported camera type: %s", c.Camera.Type)
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return fmt.Errorf("camera.quality must be between 1 and 100, got %d", c.Camera.Quality)
	}
	if c.Camera.WidthPx < 0 || c.Camera.HeightPx < 0 {
		return fmt.Errorf("camera resolution must be >= 0")
	}

	if c.Light.Pin < 0 {
		return fmt.Errorf("light.pin must be >= 0, got %d", c.Light.Pin)
	}

	switch c.Output.OnFailure {
	case OnFailureSkip, OnFailureAbort:
	default:
		return fmt.Errorf("output.on_failure must be %q or %q, got %q", OnFailureSkip, OnFailureAbort, c.Output.OnFailure)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func positive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return fmt.Errorf("%s must be > 0, got %g", name, v)
	}
	return nil
}

// ValidateConfigPath accepts only .yaml files inside a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path must not contain '..': %s", path)
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be in a configs/ directory: %s", path)
	}
	return nil
}

// ReadTimeout returns the per-read serial timeout.
func (c *Config) ReadTimeout() time.Duration {
	return ms(c.Serial.ReadTimeoutMs)
}

// AckTimeout returns the total time allowed for one acknowledgement.
func (c *Config) AckTimeout() time.Duration {
	return ms(c.Serial.AckTimeoutMs)
}

// ConnectDelay returns the wait after opening the serial port.
func (c *Config) ConnectDelay() time.Duration {
	return ms(c.Serial.ConnectDelayMs)
}

// HomeSettle returns the pause after homing.
func (c *Config) HomeSettle() time.Duration {
	return ms(c.Settle.HomeMs)
}

// LiftSettle returns the pause after the Z lift.
func (c *Config) LiftSettle() time.Duration {
	return ms(c.Settle.LiftMs)
}

// TravelSettle returns the pause after the move to the grid origin.
func (c *Config) TravelSettle() time.Duration {
	return ms(c.Settle.TravelMs)
}

// PointSettle returns the vibration pause before each capture.
// It is shorter when M400 already confirmed the gantry stopped.
func (c *Config) PointSettle() time.Duration {
	if c.Motion.WaitForMoves {
		return ms(c.Settle.PointAfterWaitMs)
	}
	return ms(c.Settle.PointMs)
}

// CameraWarmup returns the stabilization delay after starting the camera.
func (c *Config) CameraWarmup() time.Duration {
	return ms(c.Settle.CameraWarmupMs)
}

// CaptureTimeout returns the per-capture timeout.
func (c *Config) CaptureTimeout() time.Duration {
	return ms(c.Camera.CaptureTimeoutMs)
}

// AbortOnFailure reports whether a failed capture stops the scan.
func (c *Config) AbortOnFailure() bool {
	return c.Output.OnFailure == OnFailureAbort
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
