package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/GantryScan/internal/hw/camera"
	"github.com/cjeanneret/GantryScan/internal/hw/gcode"
	"github.com/cjeanneret/GantryScan/internal/hw/gpio"
	"github.com/cjeanneret/GantryScan/internal/hw/light"
	"github.com/cjeanneret/GantryScan/internal/logic/geometry"
	"github.com/cjeanneret/GantryScan/internal/logic/motion"
)

// eventLog records the order in which hardware calls complete.
type eventLog struct {
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) index(event string) int {
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// fakeLink acknowledges every command; failOn makes one command fail.
type fakeLink struct {
	log    *eventLog
	failOn string
	err    error
}

func (f *fakeLink) Send(cmd string) error {
	if f.failOn != "" && cmd == f.failOn {
		f.log.add("nack %s", cmd)
		return f.err
	}
	f.log.add("ok %s", cmd)
	return nil
}

// fakeCamera records lifecycle calls and can fail chosen captures.
type fakeCamera struct {
	log      *eventLog
	started  bool
	fail     map[string]bool
	startErr error
}

func (c *fakeCamera) Start(ctx context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	c.log.add("camera start")
	return nil
}

func (c *fakeCamera) CaptureFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	if !c.started {
		return &camera.CaptureError{Path: path, Err: camera.ErrNotStarted}
	}
	if c.fail[name] {
		c.log.add("capture failed %s", name)
		return &camera.CaptureError{Path: path, Err: errors.New("device busy")}
	}
	c.log.add("capture %s", name)
	return nil
}

func (c *fakeCamera) Stop() error {
	c.started = false
	c.log.add("camera stop")
	return nil
}

type harness struct {
	log    *eventLog
	link   *fakeLink
	cam    *fakeCamera
	seq    *Sequence
	params GridScanParams
}

func newHarness(t *testing.T, size int) *harness {
	t.Helper()
	log := &eventLog{}
	link := &fakeLink{log: log}
	cam := &fakeCamera{log: log, fail: map[string]bool{}}

	seq := NewSequence(motion.NewController(link), cam, nil)
	seq.Sleep = func(d time.Duration) { log.add("sleep %v", d) }

	session, err := NewSession(t.TempDir(), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	return &harness{
		log:  log,
		link: link,
		cam:  cam,
		seq:  seq,
		params: GridScanParams{
			GridPlan:     &geometry.GridPlan{Size: size, StepMm: 10, OffsetX: 0, OffsetY: 0, StartZ: 127},
			Session:      session,
			Normalize:    true,
			LiftFeed:     1500,
			TravelFeed:   3000,
			RetreatFeed:  3000,
			HomeSettle:   3 * time.Second,
			LiftSettle:   2 * time.Second,
			TravelSettle: 2 * time.Second,
			PointSettle:  1500 * time.Millisecond,
			CameraWarmup: 2 * time.Second,
		},
	}
}

func TestRunGridScan_2x2_FullSequence(t *testing.T) {
	h := newHarness(t, 2)

	report, err := h.seq.RunGridScan(context.Background(), h.params)
	if err != nil {
		t.Fatalf("RunGridScan: %v", err)
	}

	want := []string{
		"ok G21",
		"ok G90",
		"ok G28",
		"sleep 3s",
		"ok G1 Z127 F1500",
		"sleep 2s",
		"ok G1 X0 Y0 F3000",
		"sleep 2s",
		"camera start",
		"sleep 2s",
		"ok G1 X0 Y0 F3000",
		"sleep 1.5s",
		"capture x0_y0.jpg",
		"ok G1 X10 Y0 F3000",
		"sleep 1.5s",
		"capture x1_y0.jpg",
		"ok G1 X10 Y10 F3000",
		"sleep 1.5s",
		"capture x1_y1.jpg",
		"ok G1 X0 Y10 F3000",
		"sleep 1.5s",
		"capture x0_y1.jpg",
		"camera stop",
		"ok G1 X0 Y0 Z127 F3000",
	}
	if len(h.log.events) != len(want) {
		t.Fatalf("got %d events, want %d:\n%s", len(h.log.events), len(want), strings.Join(h.log.events, "\n"))
	}
	for i := range want {
		if h.log.events[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, h.log.events[i], want[i])
		}
	}

	if !report.Complete() {
		t.Error("report should be complete")
	}
	wantFiles := []string{"x0_y0.jpg", "x1_y0.jpg", "x1_y1.jpg", "x0_y1.jpg"}
	if strings.Join(report.Captured, ",") != strings.Join(wantFiles, ",") {
		t.Errorf("captured = %v, want %v", report.Captured, wantFiles)
	}
}

func TestRunGridScan_WaitForMoves(t *testing.T) {
	h := newHarness(t, 1)
	h.params.WaitForMoves = true
	h.params.Normalize = false
	h.params.PointSettle = 500 * time.Millisecond

	if _, err := h.seq.RunGridScan(context.Background(), h.params); err != nil {
		t.Fatalf("RunGridScan: %v", err)
	}

	want := []string{
		"ok G28", "ok M400", "sleep 3s",
		"ok G1 Z127 F1500", "ok M400", "sleep 2s",
		"ok G1 X0 Y0 F3000", "ok M400", "sleep 2s",
		"camera start", "sleep 2s",
		"ok G1 X0 Y0 F3000", "ok M400", "sleep 500ms",
		"capture x0_y0.jpg",
		"camera stop",
		"ok G1 X0 Y0 Z127 F3000", "ok M400",
	}
	if strings.Join(h.log.events, "|") != strings.Join(want, "|") {
		t.Errorf("events:\n%s\nwant:\n%s", strings.Join(h.log.events, "\n"), strings.Join(want, "\n"))
	}
}

func TestRunGridScan_CaptureAfterAckAndSettle(t *testing.T) {
	h := newHarness(t, 4)
	if _, err := h.seq.RunGridScan(context.Background(), h.params); err != nil {
		t.Fatalf("RunGridScan: %v", err)
	}

	for i, e := range h.log.events {
		if !strings.HasPrefix(e, "capture ") {
			continue
		}
		if i < 2 || h.log.events[i-1] != "sleep 1.5s" || !strings.HasPrefix(h.log.events[i-2], "ok G1 X") {
			t.Errorf("capture at %d not preceded by move ack and settle: %v", i, h.log.events[max(0, i-2):i+1])
		}
	}
	if got := h.log.count("capture "); got != 16 {
		t.Errorf("captures = %d, want 16", got)
	}
}

func TestRunGridScan_CameraStartsAfterPrePosition(t *testing.T) {
	h := newHarness(t, 3)
	if _, err := h.seq.RunGridScan(context.Background(), h.params); err != nil {
		t.Fatalf("RunGridScan: %v", err)
	}

	start := h.log.index("camera start")
	home := h.log.index("ok G28")
	lift := h.log.index("ok G1 Z127 F1500")
	if start < 0 || home < 0 || lift < 0 {
		t.Fatalf("missing events: %v", h.log.events)
	}
	if !(home < lift && lift < start) {
		t.Errorf("camera start (%d) must follow home (%d) and lift (%d)", start, home, lift)
	}
	// the move to the origin and its settle come right before the camera
	if h.log.events[start-2] != "ok G1 X0 Y0 F3000" || h.log.events[start-1] != "sleep 2s" {
		t.Errorf("camera start not preceded by origin move and settle: %v", h.log.events[:start+1])
	}
}

func TestRunGridScan_SkipFailedCapture(t *testing.T) {
	h := newHarness(t, 3)
	h.cam.fail["x2_y0.jpg"] = true
	h.cam.fail["x1_y1.jpg"] = true

	report, err := h.seq.RunGridScan(context.Background(), h.params)
	if err != nil {
		t.Fatalf("skip policy should not fail the scan, got %v", err)
	}
	if len(report.Captured) != 7 {
		t.Errorf("captured = %d, want 7", len(report.Captured))
	}
	if len(report.Missed) != 2 {
		t.Fatalf("missed = %v, want 2 points", report.Missed)
	}
	if report.Missed[0].File != "x2_y0.jpg" || report.Missed[1].File != "x1_y1.jpg" {
		t.Errorf("missed files = %+v", report.Missed)
	}
	if report.Missed[0].Row != 0 || report.Missed[0].Col != 2 {
		t.Errorf("missed point = %+v, want row 0 col 2", report.Missed[0])
	}
	if !strings.Contains(report.Missed[0].Error, "device busy") {
		t.Errorf("missed error = %q", report.Missed[0].Error)
	}
	if report.Complete() {
		t.Error("report with missed points is not complete")
	}
	if report.Visited() != 9 {
		t.Errorf("visited = %d, want 9", report.Visited())
	}
	assertStopBeforeRetreat(t, h.log)
}

func TestRunGridScan_AbortOnFailedCapture(t *testing.T) {
	h := newHarness(t, 3)
	h.params.AbortOnFailure = true
	h.cam.fail["x1_y0.jpg"] = true

	report, err := h.seq.RunGridScan(context.Background(), h.params)
	var ce *camera.CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CaptureError, got %v", err)
	}
	if len(report.Captured) != 1 || len(report.Missed) != 1 {
		t.Errorf("captured=%v missed=%v", report.Captured, report.Missed)
	}
	if got := h.log.count("ok G1 X"); got != 1+2+1 {
		// origin move, two grid moves, retreat
		t.Errorf("XY moves = %d, want 4: %v", got, h.log.events)
	}
	assertStopBeforeRetreat(t, h.log)
}

func TestRunGridScan_CancelledMidScan(t *testing.T) {
	h := newHarness(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	captures := 0
	h.seq.Sleep = func(d time.Duration) {
		h.log.add("sleep %v", d)
		if d == h.params.PointSettle {
			captures++
			if captures == 5 {
				cancel()
			}
		}
	}

	report, err := h.seq.RunGridScan(ctx, h.params)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Visited() >= 16 || report.Visited() == 0 {
		t.Errorf("visited = %d, want a partial scan", report.Visited())
	}
	assertStopBeforeRetreat(t, h.log)
}

func TestRunGridScan_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.seq.RunGridScan(ctx, h.params)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(h.log.events) != 0 {
		t.Errorf("no hardware call expected, got %v", h.log.events)
	}
}

func TestRunGridScan_MotionTimeoutAbortsScan(t *testing.T) {
	h := newHarness(t, 3)
	h.link.failOn = "G1 X10 Y10 F3000"
	h.link.err = &gcode.TimeoutError{Command: h.link.failOn, Attempts: 3}

	report, err := h.seq.RunGridScan(context.Background(), h.params)
	if !errors.Is(err, gcode.ErrProtocolTimeout) {
		t.Fatalf("expected ErrProtocolTimeout, got %v", err)
	}
	// row 0 completes, row 1 captures col 2 then fails moving to col 1
	want := []string{"x0_y0.jpg", "x1_y0.jpg", "x2_y0.jpg", "x2_y1.jpg"}
	if strings.Join(report.Captured, ",") != strings.Join(want, ",") {
		t.Errorf("captured = %v, want %v", report.Captured, want)
	}
	if len(report.Missed) != 0 {
		t.Errorf("a motion failure is not a missed capture: %+v", report.Missed)
	}
	assertStopBeforeRetreat(t, h.log)
}

func TestRunGridScan_HomeFailureSkipsCamera(t *testing.T) {
	h := newHarness(t, 2)
	h.link.failOn = "G28"
	h.link.err = errors.New("endstop not hit")

	_, err := h.seq.RunGridScan(context.Background(), h.params)
	if err == nil || !strings.Contains(err.Error(), "home") {
		t.Fatalf("expected home error, got %v", err)
	}
	if h.log.index("camera start") >= 0 {
		t.Error("camera must not start after a failed homing")
	}
}

func TestRunGridScan_CameraStartFailure(t *testing.T) {
	h := newHarness(t, 2)
	h.cam.startErr = errors.New("no cameras available")

	_, err := h.seq.RunGridScan(context.Background(), h.params)
	if err == nil || !strings.Contains(err.Error(), "start camera") {
		t.Fatalf("expected camera start error, got %v", err)
	}
	if h.log.count("capture") != 0 {
		t.Error("no capture expected")
	}
}

func TestRunGridScan_RetreatFailureReported(t *testing.T) {
	h := newHarness(t, 1)
	h.link.failOn = "G1 X0 Y0 Z127 F3000"
	h.link.err = errors.New("serial gone")

	report, err := h.seq.RunGridScan(context.Background(), h.params)
	if err == nil || !strings.Contains(err.Error(), "retreat") {
		t.Fatalf("expected retreat error, got %v", err)
	}
	if !report.Complete() {
		t.Error("all points were captured before the retreat failed")
	}
}

func TestRunGridScan_RequiresPlanAndSession(t *testing.T) {
	h := newHarness(t, 1)
	h.params.Session = nil
	if _, err := h.seq.RunGridScan(context.Background(), h.params); err == nil {
		t.Error("expected error without session")
	}
}

func TestRunGridScan_WritesManifest(t *testing.T) {
	h := newHarness(t, 2)
	h.cam.fail["x0_y1.jpg"] = true

	if _, err := h.seq.RunGridScan(context.Background(), h.params); err != nil {
		t.Fatalf("RunGridScan: %v", err)
	}
	m := readManifest(t, h.params.Session)
	if m.Complete {
		t.Error("manifest should not be complete")
	}
	if len(m.Captured) != 3 || len(m.Missed) != 1 || m.Missed[0].File != "x0_y1.jpg" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestRunGridScan_WithLight(t *testing.T) {
	h := newHarness(t, 2)
	drv := gpio.NewMockDriver()
	l, err := light.New(drv, 17, true)
	if err != nil {
		t.Fatalf("light.New: %v", err)
	}
	h.seq.light = l

	if _, err := h.seq.RunGridScan(context.Background(), h.params); err != nil {
		t.Fatalf("RunGridScan: %v", err)
	}

	// initial off, then on/off per capture, then off at shutdown
	writes := drv.Writes()
	if len(writes) != 1+2*4+1 {
		t.Fatalf("writes = %d, want 10: %v", len(writes), writes)
	}
	for i := 1; i < 9; i += 2 {
		if writes[i].Level != gpio.High || writes[i+1].Level != gpio.Low {
			t.Errorf("capture %d: light writes %v %v, want on then off", (i-1)/2, writes[i], writes[i+1])
		}
	}
	if drv.Level(17) != gpio.Low {
		t.Error("light should end off")
	}
}

func TestRunGridScan_RealCameraFiles(t *testing.T) {
	h := newHarness(t, 3)
	h.seq.camera = camera.NewMock()

	report, err := h.seq.RunGridScan(context.Background(), h.params)
	if err != nil {
		t.Fatalf("RunGridScan: %v", err)
	}
	entries, err := os.ReadDir(h.params.Session.Dir)
	if err != nil {
		t.Fatal(err)
	}
	jpgs := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jpg" {
			jpgs++
		}
	}
	if jpgs != 9 || len(report.Captured) != 9 {
		t.Errorf("jpg files = %d, captured = %d, want 9", jpgs, len(report.Captured))
	}
}

func assertStopBeforeRetreat(t *testing.T, log *eventLog) {
	t.Helper()
	stop := log.index("camera stop")
	retreat := -1
	for i, e := range log.events {
		if strings.HasSuffix(e, "G1 X0 Y0 Z127 F3000") {
			retreat = i
		}
	}
	if stop < 0 || retreat < 0 {
		t.Fatalf("missing stop (%d) or retreat (%d): %v", stop, retreat, log.events)
	}
	if stop > retreat {
		t.Errorf("camera stop (%d) must precede retreat (%d)", stop, retreat)
	}
	if n := log.count("capture"); n > 0 {
		last := 0
		for i, e := range log.events {
			if strings.HasPrefix(e, "capture") {
				last = i
			}
		}
		if last > stop {
			t.Errorf("capture after camera stop: %v", log.events)
		}
	}
}
