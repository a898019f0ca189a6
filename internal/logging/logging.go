package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedKeys are attribute names whose values never reach the output.
var redactedKeys = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
	"token":         {},
	"secret":        {},
	"password":      {},
	"api_key":       {},
	"authorization": {},
	"code":          {},
	"verifier":      {},
}

// New creates a console slog.Logger with provided level and format strings.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       levelFromString(level),
		ReplaceAttr: redact,
	}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

func levelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
