package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/miladsoleymani/mqttrigger/core"
)

// Recovery returns middleware that recovers from panics below it, logs the
// stack trace, and turns the panic into a trap of the bound component.
func Recovery(logger *slog.Logger) core.Middleware {
	return func(next core.Handler) core.Handler {
		return func(ctx context.Context, msg core.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					b, _ := core.BindingFromContext(ctx)
					logger.ErrorContext(ctx, "panic recovered",
						"component", b.Component, "topic", msg.Topic,
						"panic", fmt.Sprint(r), "stack", string(buf[:n]))
					err = &core.InvocationError{
						Component: b.Component,
						Kind:      core.KindTrap,
						Err:       fmt.Errorf("panic recovered: %v", r),
					}
				}
			}()
			return next(ctx, msg)
		}
	}
}
