package middleware

import (
	"context"
	"errors"

	"gigdeal/internal/app/commands"
	"gigdeal/internal/domain/negotiation"
)

// ActorCommand is implemented by commands issued on behalf of a party.
type ActorCommand interface {
	commands.Command
	Actor() string
}

// RequireActor rejects actor commands that arrive without an authenticated party.
func RequireActor() CommandMiddleware {
	return func(next commands.Bus) commands.Bus {
		return commandFunc(func(ctx context.Context, cmd commands.Command) (any, error) {
			if ac, ok := cmd.(ActorCommand); ok && ac.Actor() == "" {
				return nil, negotiation.NewError(negotiation.KindUnauthorized, cmd.Key(), negotiation.CodeUnauthorized, errors.New("actor required"))
			}
			return next.Dispatch(ctx, cmd)
		})
	}
}
