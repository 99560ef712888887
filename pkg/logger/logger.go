// Package logger provides a small structured-logging shim used throughout
// the broker. It wraps a package-level *slog.Logger so that long-lived
// components (registry, indexer, broker façade) can log without threading a
// logger through every constructor, while tests can still inject their own
// logger via Set.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Initialize configures the singleton logger. When debug is true, the
// minimum level is lowered to slog.LevelDebug.
func Initialize(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	singleton.Store(slog.New(handler))
}

// Get returns the underlying *slog.Logger for injection into structs that
// prefer explicit dependencies over package-level calls.
func Get() *slog.Logger { return singleton.Load() }

// Set replaces the singleton logger. Intended for tests that want to capture
// output.
func Set(l *slog.Logger) { singleton.Store(l) }

// Debugf logs a message at debug level.
func Debugf(format string, args ...any) { singleton.Load().Debug(fmt.Sprintf(format, args...)) }

// Infof logs a message at info level.
func Infof(format string, args ...any) { singleton.Load().Info(fmt.Sprintf(format, args...)) }

// Warnf logs a message at warning level.
func Warnf(format string, args ...any) { singleton.Load().Warn(fmt.Sprintf(format, args...)) }

// Errorf logs a message at error level.
func Errorf(format string, args ...any) { singleton.Load().Error(fmt.Sprintf(format, args...)) }
