package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"

	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "stsupervisor"

// redacted replaces the value of attributes that carry credentials.
const redacted = "[REDACTED]"

// secretKeys are attribute key fragments whose values are never written.
// Matching is on the lower-cased key, so "gui_api_key" and "INFLUXDB_TOKEN"
// both hit.
var secretKeys = []string{"password", "secret", "token", "api_key", "apikey"}

// Logger wraps slog.Logger with supervisor-specific defaults.
//
// Its Debug/Info/Warn/Error methods satisfy the Logger interfaces that the
// supervisor packages declare, so one Logger can be handed to all of them.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	// closer is the rotating file, set only on the logger New returned.
	closer io.Closer
}

// New creates a Logger writing to cfg.Output. With output "file" the log
// goes to <dir>/stsupervisor.log, a link to the current day's file, and
// files older than MaxAgeDays are removed. Close the returned Logger on
// exit.
func New(cfg config.LoggingConfig, version string) (*Logger, error) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return NewWithWriter(os.Stderr, cfg, version), nil
	case "file":
		rl, err := openRotating(cfg.Dir, cfg.MaxAgeDays)
		if err != nil {
			return nil, err
		}
		l := NewWithWriter(rl, cfg, version)
		l.closer = rl
		return l, nil
	default:
		return NewWithWriter(os.Stdout, cfg, version), nil
	}
}

func openRotating(dir string, maxAgeDays int) (*rotatelogs.RotateLogs, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if maxAgeDays < 1 {
		maxAgeDays = 1
	}
	path := filepath.Join(dir, ServiceName+".log")
	rl, err := rotatelogs.New(
		path+".%Y-%m-%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithMaxAge(time.Duration(maxAgeDays)*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return rl, nil
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(output io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactSecrets,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// redactSecrets is a slog ReplaceAttr hook. Values under credential-looking
// keys are replaced, including inside groups.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, frag := range secretKeys {
		if strings.Contains(key, frag) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
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

// With returns a child Logger with additional default attributes. Closing
// the child does nothing.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stderr in text format at info level, so CLI
// subcommands keep stdout for their own output.
func Default() *Logger {
	return NewWithWriter(os.Stderr, config.LoggingConfig{
		Level:  "info",
		Format: "text",
	}, "dev")
}
