package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/m-mizutani/clog"
	slogmulti "github.com/samber/slog-multi"
)

type contextKey struct{}

var (
	loggerKey       = contextKey{}
	defaultLogger   *slog.Logger
	defaultLoggerMu sync.RWMutex
)

func init() {
	defaultLogger = New("info", os.Stderr)
}

// parseLevel converts a string level to slog.Level
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		defaultLogger.Warn("invalid log level", "level", level)
		return slog.LevelInfo
	}
}

// New creates a console logger writing to w (stderr when nil). Level is
// one of "debug", "info", "warn", "warning", "error", case-insensitive.
// Stdout is left alone because the MCP stdio transport owns it.
func New(level string, w io.Writer) *slog.Logger {
	return slog.New(consoleHandler(parseLevel(level), w))
}

// NewWithFile fans records out to the console and, as JSON lines, to file.
func NewWithFile(level string, w, file io.Writer) *slog.Logger {
	lv := parseLevel(level)
	if file == nil {
		return slog.New(consoleHandler(lv, w))
	}

	return slog.New(slogmulti.Fanout(
		consoleHandler(lv, w),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lv}),
	))
}

func consoleHandler(level slog.Level, w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stderr
	}

	return clog.New(
		clog.WithWriter(w),
		clog.WithLevel(level),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	)
}

// Default returns the default logger
func Default() *slog.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *slog.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = logger
}

// With returns a new context with the logger attached
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// From retrieves the logger from the context
// If no logger is found, it returns the default logger
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return Default()
}
