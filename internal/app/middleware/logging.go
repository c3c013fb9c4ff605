package middleware

import (
	"context"
	"log/slog"
	"time"

	"gigdeal/internal/app/commands"
	"gigdeal/internal/domain/negotiation"
)

// Logging records every dispatched command with its outcome.
func Logging(logger *slog.Logger) CommandMiddleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next commands.Bus) commands.Bus {
		return commandFunc(func(ctx context.Context, cmd commands.Command) (any, error) {
			start := time.Now()
			res, err := next.Dispatch(ctx, cmd)
			attrs := []any{"command", cmd.Key(), "duration", time.Since(start)}
			switch kind := negotiation.KindOf(err); {
			case err == nil:
				logger.DebugContext(ctx, "command handled", attrs...)
			case kind != "":
				logger.InfoContext(ctx, "command rejected", append(attrs, "kind", kind, "code", negotiation.CodeOf(err), "error", err)...)
			default:
				logger.ErrorContext(ctx, "command failed", append(attrs, "error", err)...)
			}
			return res, err
		})
	}
}
