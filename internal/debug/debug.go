package debug

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (run summary, files produced)
	LevelLive    = 2 // Live info (rotations, captures, LED changes)
	LevelVerbose = 3 // Verbose (camera plan, settle frames, steps)
	LevelTrace   = 4 // Trace (SPI bytes, GPIO, camera nodes)
)

var (
	mu     sync.RWMutex
	level  int
	logger zerolog.Logger = zerolog.Nop()
	out    io.Writer      = os.Stdout
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (run summary, files produced)
// 2 = live info (rotations, captures, LED changes)
// 3 = verbose (camera plan, settle frames, steps)
// 4 = trace (SPI bytes, GPIO, camera nodes)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects all debug output to w (e.g. stdout + SSE broadcaster).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	if level <= LevelOff {
		logger = zerolog.Nop()
		return
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000", NoColor: out != os.Stdout}
	logger = zerolog.New(cw).Level(zerologLevel(level)).With().Timestamp().Str("app", "SFDIGo").Logger()
}

// zerologLevel maps a debug level to the lowest zerolog level that is emitted.
func zerologLevel(l int) zerolog.Level {
	switch {
	case l >= LevelTrace:
		return zerolog.TraceLevel
	case l >= LevelLive:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func emit(minLevel int, ev func(zerolog.Logger) *zerolog.Event, tag, format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if level < minLevel {
		return
	}
	e := ev(logger)
	if tag != "" {
		e = e.Str("tag", tag)
	}
	e.Msgf(format, args...)
}

func info(l zerolog.Logger) *zerolog.Event  { return l.Info() }
func dbg(l zerolog.Logger) *zerolog.Event   { return l.Debug() }
func trace(l zerolog.Logger) *zerolog.Event { return l.Trace() }

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	emit(LevelInfo, info, "", format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	emit(LevelInfo, info, "", "═══════ %s ═══════", title)
}

// Warn prints a level 1 warning. Used for skipped optional camera settings.
func Warn(format string, args ...interface{}) {
	emit(LevelInfo, func(l zerolog.Logger) *zerolog.Event { return l.Warn() }, "", format, args...)
}

// Error prints a debug error (level 1+).
func Error(err error) {
	emit(LevelInfo, func(l zerolog.Logger) *zerolog.Event { return l.Error().Err(err) }, "", "error")
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	emit(LevelLive, dbg, "live", format, args...)
}

// Move prints a stage movement (level 2).
func Move(stage string, degrees float64) {
	emit(LevelLive, dbg, "live", "Stage %s: move by %.2f°", stage, degrees)
}

// Shot prints a frame capture (level 2).
func Shot(step, total int, path string) {
	emit(LevelLive, dbg, "live", "Frame %d/%d captured: %s", step, total, path)
}

// LED prints an illumination change (level 2).
func LED(level int) {
	emit(LevelLive, dbg, "live", "Illumination DAC code = %d", level)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	emit(LevelVerbose, dbg, "verbose", format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	emit(LevelVerbose, dbg, "verbose", "%s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	emit(LevelVerbose, dbg, "verbose", "━━━━━━━━ %s ━━━━━━━━", name)
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	emit(LevelVerbose, dbg, "verbose", "Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	emit(LevelInfo, info, "", "  %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	emit(LevelTrace, trace, "trace", format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	emit(LevelTrace, trace, "gpio", "%s pin=%d value=%v", operation, pin, value)
}

// SPI prints an SPI transfer (level 4).
func SPI(w []byte) {
	if Level() < LevelTrace {
		return
	}
	bits := make([]string, len(w))
	for i, b := range w {
		bits[i] = fmt.Sprintf("%08b", b)
	}
	emit(LevelTrace, trace, "spi", "tx %s", strings.Join(bits, " "))
}

// Node prints a camera node access (level 4).
func Node(op, name string, value interface{}) {
	emit(LevelTrace, trace, "node", "%s %s = %v", op, name, value)
}
