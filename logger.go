package tensormem

import (
	"context"
	"log/slog"
	"os"

	"github.com/microtrain/tensormem/model"
	"github.com/microtrain/tensormem/planner"
)

// Logger wraps slog.Logger with tensormem-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// LogPlan logs a planning operation.
func (l *Logger) LogPlan(ctx context.Context, strategy planner.Strategy, tensors int, footprint, budget int64, realized bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "planning failed",
			"strategy", strategy.String(),
			"tensors", tensors,
			"error", err,
		)
		return
	}
	mode := "cached"
	if realized {
		mode = "realized"
	}
	l.InfoContext(ctx, "plan computed",
		"strategy", strategy.String(),
		"tensors", tensors,
		"footprint", footprint,
		"budget", budget,
		"mode", mode,
	)
}

// LogAccess logs a tensor access.
func (l *Logger) LogAccess(ctx context.Context, id model.TensorID, step model.Step, err error) {
	if err != nil {
		l.ErrorContext(ctx, "access failed",
			"tensor", id,
			"step", step,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "access completed",
			"tensor", id,
			"step", step,
		)
	}
}

// LogEvict logs an eviction hint.
func (l *Logger) LogEvict(ctx context.Context, id model.TensorID, err error) {
	if err != nil {
		l.WarnContext(ctx, "eviction hint failed",
			"tensor", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "eviction started",
			"tensor", id,
		)
	}
}

// LogWarmUp logs a warm-up pass.
func (l *Logger) LogWarmUp(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "warm-up failed",
			"tensors", count,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "warm-up completed",
			"tensors", count,
		)
	}
}

// LogStep logs a step boundary.
func (l *Logger) LogStep(ctx context.Context, step model.Step, released int) {
	l.DebugContext(ctx, "step advanced",
		"step", step,
		"released", released,
	)
}
