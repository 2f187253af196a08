package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config level name to a slog level. Unknown names are INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger builds the process logger from logging.level and logging.format.
// Formats: json (default), text, pretty (text with source locations).
// A nil w writes to stderr.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Logging.Level)}

	var h slog.Handler
	switch strings.ToLower(cfg.Logging.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "pretty":
		opts.AddSource = true
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	name := cfg.App.Name
	if name == "" {
		name = AppName
	}
	return slog.New(h).With(
		slog.String("app", name),
		slog.String("mode", cfg.Trading.Mode),
	)
}
