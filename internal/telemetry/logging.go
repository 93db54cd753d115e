package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/inarithefox/partsy-bus/config"
)

// LogLevel maps DEBUG, INFO, WARN or ERROR (any case) to a slog level.
// Anything else is INFO.
func LogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger writing to w. LOG_LEVEL and LOG_FORMAT override
// the configured level and format.
func NewLogger(cfg config.Logging, w io.Writer) *slog.Logger {
	level := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	format := cfg.Format
	if env := os.Getenv("LOG_FORMAT"); env != "" {
		format = env
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevel(level),
		AddSource: LogLevel(level) == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// SetupLogger installs the process-wide logger. Output goes to stdout and,
// when a file is configured (or LOG_FILE is set), to a rotating log file.
// The returned closer releases the file.
func SetupLogger(cfg config.Logging) (*slog.Logger, io.Closer) {
	file := cfg.File
	if env := os.Getenv("LOG_FILE"); env != "" {
		file = env
	}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, rotating)
		closer = rotating
	}

	logger := NewLogger(cfg, w)
	slog.SetDefault(logger)

	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
