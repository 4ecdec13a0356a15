// Package besteffort marks side effects whose failure must never fail a job:
// ledger appends, user notifications, cache warmers. Callers route such effects
// through Run so the distinction between "must succeed" and "best effort" is
// visible at the call site instead of hidden in an ignored error.
package besteffort

import (
	"context"
	"log/slog"
)

// Effect is a non-critical side effect.
type Effect func(ctx context.Context) error

// Run executes fn, logs a failure at warn level and swallows it. Panics are
// recovered and logged the same way.
func Run(ctx context.Context, logger *slog.Logger, name string, fn Effect, attrs ...slog.Attr) {
	if fn == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.LogAttrs(ctx, slog.LevelError, "best-effort effect panicked",
				append(attrs, slog.String("effect", name), slog.Any("panic", r))...)
		}
	}()
	if err := fn(ctx); err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "best-effort effect failed",
			append(attrs, slog.String("effect", name), slog.String("error", err.Error()))...)
	}
}
