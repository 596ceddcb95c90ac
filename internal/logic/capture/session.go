package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/GantryScan/internal/logic/geometry"
)

// ManifestName is the file written next to the images of a session.
const ManifestName = "manifest.yaml"

// DirectoryError is returned when the session folder cannot be created.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("create scan directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// Session is one scan run and the folder its images go to.
type Session struct {
	ID      string
	Dir     string
	Started time.Time
}

// NewSession creates <baseDir>/scan_<unix seconds>. The folder must not
// exist yet, so images from two runs never mix.
func NewSession(baseDir string, now time.Time) (*Session, error) {
	dir := filepath.Join(baseDir, fmt.Sprintf("scan_%d", now.Unix()))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, &DirectoryError{Path: dir, Err: err}
	}
	return &Session{
		ID:      uuid.NewString(),
		Dir:     dir,
		Started: now,
	}, nil
}

// Path returns the full path of a file inside the session folder.
func (s *Session) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// ManifestGrid records the grid a session was scanned with.
type ManifestGrid struct {
	Size    int     `yaml:"size"`
	StepMm  float64 `yaml:"step_mm"`
	OffsetX float64 `yaml:"offset_x"`
	OffsetY float64 `yaml:"offset_y"`
	StartZ  float64 `yaml:"start_z"`
}

// Manifest summarizes a finished session.
type Manifest struct {
	SessionID string        `yaml:"session_id"`
	Started   time.Time     `yaml:"started"`
	Finished  time.Time     `yaml:"finished"`
	Grid      ManifestGrid  `yaml:"grid"`
	Complete  bool          `yaml:"complete"`
	Captured  []string      `yaml:"captured"`
	Missed    []MissedPoint `yaml:"missed,omitempty"`
	Error     string        `yaml:"error,omitempty"`
}

// WriteManifest stores the outcome of a scan in the session folder.
func (s *Session) WriteManifest(plan *geometry.GridPlan, r *Report, finished time.Time, runErr error) error {
	m := Manifest{
		SessionID: s.ID,
		Started:   s.Started,
		Finished:  finished,
		Grid: ManifestGrid{
			Size:    plan.Size,
			StepMm:  plan.StepMm,
			OffsetX: plan.OffsetX,
			OffsetY: plan.OffsetY,
			StartZ:  plan.StartZ,
		},
		Complete: r.Complete(),
		Captured: r.Captured,
		Missed:   r.Missed,
	}
	if runErr != nil {
		m.Error = runErr.Error()
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(s.Path(ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
