package actor

import (
	"context"
	"log/slog"
)

// structuredLogger is the minimal logging surface the actor package needs.
// It mirrors the "S"-suffixed structured helpers used throughout the rest of
// the module so call sites read the same way everywhere: a message followed
// by alternating key/value pairs, with WarnS/ErrorS taking the error as a
// distinguished third argument.
type structuredLogger struct {
	l *slog.Logger
}

var log = structuredLogger{l: slog.Default().With("component", "actor")}

func (s structuredLogger) TraceS(ctx context.Context, msg string, kv ...any) {
	s.l.Log(ctx, slog.LevelDebug-4, msg, kv...)
}

func (s structuredLogger) DebugS(ctx context.Context, msg string, kv ...any) {
	s.l.DebugContext(ctx, msg, kv...)
}

func (s structuredLogger) InfoS(ctx context.Context, msg string, kv ...any) {
	s.l.InfoContext(ctx, msg, kv...)
}

func (s structuredLogger) WarnS(ctx context.Context, msg string, err error, kv ...any) {
	args := append([]any{"error", err}, kv...)
	s.l.WarnContext(ctx, msg, args...)
}

func (s structuredLogger) ErrorS(ctx context.Context, msg string, err error, kv ...any) {
	args := append([]any{"error", err}, kv...)
	s.l.ErrorContext(ctx, msg, args...)
}

// SetLogger overrides the package-level logger, allowing a host application
// to route actor-system diagnostics into its own slog handler tree.
func SetLogger(l *slog.Logger) {
	log = structuredLogger{l: l}
}
