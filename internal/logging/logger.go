// Package logging provides categorized file-based logging for autonomy.
// Each category writes to its own file under <state-dir>/logs/, with a
// shared console core for warnings and critical events. Loggers are
// zap-backed; callers use printf-style helpers.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem. One file per category.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup and initialization
	CategoryOrchestrator Category = "orchestrator" // Scheduling decisions
	CategoryPhase        Category = "phase"        // Phase execution
	CategoryTools        Category = "tools"        // Tool execution
	CategoryBus          Category = "bus"          // Message bus traffic
	CategoryBusError     Category = "bus_errors"   // Swallowed subscriber failures
	CategoryModel        Category = "model"        // Model client RPCs
	CategoryState        Category = "state"        // State store operations
	CategorySupervisor   Category = "supervisor"   // Child process lifecycle
	CategoryPatch        Category = "patch"        // Patch/FS layer
	CategoryLoop         Category = "loop"         // Loop detection
	CategoryAudit        Category = "audit"        // Execution audit trail
)

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	zl       *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	logsDir string
	verbose bool
	console *zap.Logger
	nop     = &Logger{zl: zap.NewNop().Sugar()}
)

// Initialize sets up the logs directory and the console core. Must be
// called once before Get; Get before Initialize returns a no-op logger.
func Initialize(stateDir string, verboseMode bool) error {
	mu.Lock()
	defer mu.Unlock()

	logsDir = filepath.Join(stateDir, "logs")
	verbose = verboseMode
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "ts"
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	console = zap.New(core)

	loggers = make(map[Category]*Logger)
	return nil
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	dir := logsDir
	mu.RUnlock()

	if dir == "" {
		return nop
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	path := filepath.Join(dir, string(category)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		loggers[category] = nop
		return nop
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(f),
		zapcore.DebugLevel,
	)
	cores := []zapcore.Core{fileCore}
	if console != nil {
		cores = append(cores, console.Core())
	}
	zl := zap.New(zapcore.NewTee(cores...)).Named(string(category)).Sugar()

	l := &Logger{category: category, zl: zl}
	loggers[category] = l
	return l
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...any) { l.zl.Debugf(format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...any) { l.zl.Infof(format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...any) { l.zl.Warnf(format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...any) { l.zl.Errorf(format, args...) }

// Critical logs at error level and always echoes to the console regardless
// of verbosity. Used for critical-priority bus events and loop aborts.
func (l *Logger) Critical(format string, args ...any) {
	l.zl.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "CRITICAL [%s] %s\n", l.category, fmt.Sprintf(format, args...))
}

// Sync flushes all category loggers. Safe to call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.zl.Sync()
	}
}

// ToolsDebug is a shorthand for the hot tool-registration path.
func ToolsDebug(format string, args ...any) { Get(CategoryTools).Debug(format, args...) }
