package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nerrad567/knxlink/internal/infrastructure/config"
)

const (
	serviceName = "knxlink"
	logFileMode = 0o640
)

// Logger is a slog.Logger carrying the service and version attributes.
// Its Debug/Info/Warn/Error methods satisfy knx.Logger, so components take
// it directly.
type Logger struct {
	*slog.Logger
}

// New builds the process logger. Output is "stdout", "stderr" or a file
// path opened for append. When the file cannot be opened the logger falls
// back to stderr and says so in its first entry.
func New(cfg config.LoggingConfig, version string) *Logger {
	out, err := openOutput(cfg.Output)
	l := NewWithWriter(cfg, version, out)
	if err != nil {
		l.Warn("log file unavailable, writing to stderr", "output", cfg.Output, "error", err)
	}
	return l
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return os.Stderr, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode) //nolint:gosec // operator-chosen path
	if err != nil {
		return os.Stderr, err
	}
	return f, nil
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h)}
}

// parseLevel maps debug, info, warn(ing) and error; anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child logger with extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags a child logger with component=name, e.g. "supervisor",
// "gateway" or "knxd".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the logger used before the configuration is loaded.
func Default() *Logger {
	return NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "dev", os.Stdout)
}

// Discard drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
