package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	log  *slog.Logger
	once sync.Once
)

// Init configures the process-wide logger. Level accepts debug|info|warn|error.
// JSON output in production, text otherwise.
func Init(level string, environment string) {
	once.Do(func() {
		var lvl slog.Level
		switch strings.ToLower(level) {
		case "debug":
			lvl = slog.LevelDebug
		case "warn":
			lvl = slog.LevelWarn
		case "error":
			lvl = slog.LevelError
		default:
			lvl = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: lvl}
		var handler slog.Handler
		if environment == "production" {
			handler = slog.NewJSONHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(os.Stdout, opts)
		}
		log = slog.New(handler)
	})
}

func get() *slog.Logger {
	if log == nil {
		Init("info", "")
	}
	return log
}

func Debug(msg string, args ...any) {
	get().Debug(msg, normalize(args)...)
}

func Info(msg string, args ...any) {
	get().Info(msg, normalize(args)...)
}

func Warn(msg string, args ...any) {
	get().Warn(msg, normalize(args)...)
}

func Error(msg string, args ...any) {
	get().Error(msg, normalize(args)...)
}

// normalize lets call sites pass a bare error as the only argument.
func normalize(args []any) []any {
	if len(args) == 1 {
		if err, ok := args[0].(error); ok {
			return []any{"error", err}
		}
	}
	return args
}
