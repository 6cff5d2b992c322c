package refoldbot

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

type contextKey string

const (
	loggerContextKey contextKey = "logger"
	loggerNameKey               = "logger"
)

var defaultLogWriter io.Writer = os.Stdout

// newLogHandler creates the default tint handler used across the bot.
func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// WithLogger returns a copy of ctx carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger carried by ctx, if any.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func courseLogAttrs(c CourseConfig) []any {
	return []any{
		"course_name", c.Name,
		"role_id", c.RoleID,
		"category_id", c.CategoryID,
	}
}
