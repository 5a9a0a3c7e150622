package async

import (
	"context"
	"runtime/debug"

	"github.com/m-mizutani/ctxlog"
)

// Dispatch runs handler in a new goroutine, detached from the caller's
// cancellation. The webhook controller uses it to answer the provider
// with 2xx immediately while gate handling continues in the
// background.
//
// The handler receives a fresh background context that preserves the
// caller's logger. Panics are recovered and logged; returned errors
// are logged, not propagated (run failures surface via write-back, not
// via the webhook response).
func Dispatch(ctx context.Context, handler func(ctx context.Context) error) {
	bgCtx := ctxlog.With(context.Background(), ctxlog.From(ctx))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ctxlog.From(bgCtx).Error("panic in async handler",
					"recover", r,
					"stack", string(debug.Stack()),
				)
			}
		}()

		if err := handler(bgCtx); err != nil {
			ctxlog.From(bgCtx).Error("error in async handler", "error", err)
		}
	}()
}
