package debug

import (
	"io"
	"log"
	"os"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Phases, grid summary, missed points
	LevelLive    = 2 // Moves and captures as they happen
	LevelVerbose = 3 // G-code lines, config values, settle waits
	LevelTrace   = 4 // Raw serial lines, GPIO writes
)

var (
	level  int
	output io.Writer = os.Stdout
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = phases and summary
// 2 = live info (moves, captures)
// 3 = verbose (G-code, settle waits, config)
// 4 = trace (serial lines, GPIO)
func Init(debugLevel int) {
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(output, "[GantryScan] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects all debug output. Call before or after Init.
func SetOutput(w io.Writer) {
	output = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

func printf(minLevel int, format string, args ...interface{}) {
	if level >= minLevel && logger != nil {
		logger.Printf(format, args...)
	}
}

// --- Level 1 (Info) ---

// Info prints a level 1 message.
func Info(format string, args ...interface{}) {
	printf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints a framed title (level 1).
func Summary(title string) {
	printf(LevelInfo, "═══════════════════════════════════════")
	printf(LevelInfo, "  %s", title)
	printf(LevelInfo, "═══════════════════════════════════════")
}

// Grid prints the scan size (level 1).
func Grid(size int, stepMm float64) {
	printf(LevelInfo, "[INFO] Grid: %dx%d points (%d photos), step %gmm", size, size, size*size, stepMm)
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// Error prints an error (level 1).
func Error(err error) {
	printf(LevelInfo, "[ERROR] %v", err)
}

// --- Level 2 (Live) ---

// Live prints a level 2 message.
func Live(format string, args ...interface{}) {
	printf(LevelLive, "[LIVE] "+format, args...)
}

// Move prints a gantry move to a grid point (level 2).
func Move(row, col int, x, y float64) {
	printf(LevelLive, "[LIVE] Moving to row:%d col:%d (X:%gmm, Y:%gmm)", row, col, x, y)
}

// Shot prints a capture (level 2).
func Shot(path string) {
	printf(LevelLive, "[LIVE] Captured %s", path)
}

// Row prints the start of a grid row (level 2).
func Row(row, totalRows int, direction string) {
	printf(LevelLive, "[LIVE] Starting row %d/%d (direction: %s)", row, totalRows, direction)
}

// --- Level 3 (Verbose) ---

// Verbose prints a level 3 message.
func Verbose(format string, args ...interface{}) {
	printf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	printf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	printf(LevelVerbose, "  %s", name)
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	printf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// --- Level 4 (Trace) ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, "[TRACE] "+format, args...)
}

// Serial prints one line crossing the serial link (level 4).
// dir is ">" for sent lines and "<" for received lines.
func Serial(dir, line string) {
	printf(LevelTrace, "[SERIAL] %s %s", dir, line)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	printf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}
