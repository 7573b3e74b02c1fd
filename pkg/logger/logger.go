package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *slog.Logger

var sink io.Closer

// RotationConfig controls the file sink. Zero values fall back to 10MB and 5 backups.
type RotationConfig struct {
	MaxSizeMB int
	MaxFiles  int
}

// ParseLevel maps a config string onto a slog level. Unknown values are info.
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

// Init installs the package logger. An empty or "stdout" sink logs text to
// stdout; anything else is treated as a file path and rotated.
func Init(level string, sinkPath string) {
	InitWithRotation(level, sinkPath, RotationConfig{})
}

func InitWithRotation(level string, sinkPath string, rot RotationConfig) {
	Sync()
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	switch strings.TrimSpace(sinkPath) {
	case "", "stdout":
		Log = slog.New(slog.NewTextHandler(os.Stdout, opts))
	case "stderr":
		Log = slog.New(slog.NewTextHandler(os.Stderr, opts))
	default:
		if rot.MaxSizeMB <= 0 {
			rot.MaxSizeMB = 10
		}
		if rot.MaxFiles <= 0 {
			rot.MaxFiles = 5
		}
		w := &lumberjack.Logger{
			Filename:   sinkPath,
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxFiles,
		}
		sink = w
		Log = slog.New(slog.NewJSONHandler(w, opts))
	}
}

// InitWriter installs a text logger writing to w. Used by tests and the CLI.
func InitWriter(level string, w io.Writer) {
	Sync()
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// Sync closes the rotating file sink, if any.
func Sync() {
	if sink != nil {
		_ = sink.Close()
		sink = nil
	}
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}
