package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar slog.LevelVar

	mu      sync.RWMutex
	active  *slog.Logger
	asJSON  bool
	currout io.Writer = os.Stdout
)

func init() {
	levelVar.Set(slog.LevelInfo)
	active = build(currout, false)
}

func build(w io.Writer, jsonFormat bool) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetOutput replaces the log destination, keeping the current format.
func SetOutput(w io.Writer) {
	mu.Lock()
	currout = w
	active = build(w, asJSON)
	mu.Unlock()
}

// SetFormat switches between "text" (default) and "json" handlers on the
// current destination.
func SetFormat(format string) {
	jsonFormat := strings.EqualFold(strings.TrimSpace(format), "json")
	mu.Lock()
	asJSON = jsonFormat
	active = build(currout, jsonFormat)
	mu.Unlock()
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// SetLevel adjusts the threshold for every handler built here. Unknown
// names fall back to info.
func SetLevel(level string) {
	l, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		l = slog.LevelInfo
	}
	levelVar.Set(l)
}

func logf(level slog.Level, format string, v ...any) {
	mu.RLock()
	l := active
	mu.RUnlock()
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }

func Infof(format string, v ...any) { logf(slog.LevelInfo, format, v...) }

func Warnf(format string, v ...any) { logf(slog.LevelWarn, format, v...) }

func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }
