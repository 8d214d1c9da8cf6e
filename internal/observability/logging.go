// ABOUTME: slog logger construction for the daemon and CLI
// ABOUTME: Emits JSON for log shippers, logfmt text, or tint console output

package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// LoggingConfig selects the log level, output format, and static fields.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Unknown values mean info.
	Level string

	// Format is json, text, or console. Unknown values mean json.
	Format string

	// NoColor disables ANSI colours in console format.
	NoColor bool

	ServiceName string
	Version     string
	AddSource   bool
}

// NewLogger returns a logger writing to w, or to stdout when w is nil.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	handler := newHandler(cfg, w, ParseLogLevel(cfg.Level))

	var static []slog.Attr
	if cfg.ServiceName != "" {
		static = append(static, slog.String("service", cfg.ServiceName))
	}
	if cfg.Version != "" {
		static = append(static, slog.String("version", cfg.Version))
	}
	if len(static) > 0 {
		handler = handler.WithAttrs(static)
	}

	return slog.New(handler)
}

func newHandler(cfg LoggingConfig, w io.Writer, level slog.Level) slog.Handler {
	switch strings.ToLower(cfg.Format) {
	case "console":
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.TimeOnly,
			NoColor:    cfg.NoColor,
		})
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	}
}

// ParseLogLevel maps a level name to a slog.Level. It accepts any name
// slog understands, such as "DEBUG" or "warn+2", plus "warning".
func ParseLogLevel(name string) slog.Level {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LogWithContext logs msg with the run, request, and trace ids found on ctx.
func LogWithContext(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, args ...any) {
	logger.Log(ctx, level, msg, append(args, contextAttrs(ctx)...)...)
}

// FeedLogger returns logger scoped to one feed.
func FeedLogger(logger *slog.Logger, feedID string) *slog.Logger {
	return logger.With(slog.String("feed_id", feedID))
}
