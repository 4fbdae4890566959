// Package logger configures slog for the engine and its binaries.
// Library code never logs through the default logger directly: every
// component takes a *slog.Logger scoped with Named, so an embedding
// application can route engine logs wherever it wants.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config string to a slog level. Unknown strings fall
// back to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w at the given level. json selects the
// JSON handler over the text one.
func New(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup installs a stderr text logger at the given level as the process
// default.
func Setup(level string) {
	slog.SetDefault(New(os.Stderr, level, false))
}

// Named scopes log with a component attribute, falling back to the
// default logger when log is nil.
func Named(log *slog.Logger, component string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", component)
}
