package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/miladsoleymani/mqttrigger/core"
)

// Logging returns middleware that logs every invocation with its duration.
func Logging(logger *slog.Logger) core.Middleware {
	return func(next core.Handler) core.Handler {
		return func(ctx context.Context, msg core.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			elapsed := time.Since(start)

			b, _ := core.BindingFromContext(ctx)
			attrs := []any{
				"component", b.Component,
				"topic", msg.Topic,
				"bytes", len(msg.Payload),
				"invocation_id", core.InvocationIDFromContext(ctx),
				"elapsed", elapsed,
			}
			if err != nil {
				logger.ErrorContext(ctx, "invocation error", append(attrs, "error", err)...)
			} else {
				logger.InfoContext(ctx, "invocation ok", attrs...)
			}
			return err
		}
	}
}
