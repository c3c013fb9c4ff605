package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Command is routed by Key to exactly one handler.
type Command interface {
	Key() string
}

type Handler[C Command, R any] interface {
	Handle(ctx context.Context, cmd C) (R, error)
}

type HandlerFunc[C Command, R any] func(ctx context.Context, cmd C) (R, error)

func (f HandlerFunc[C, R]) Handle(ctx context.Context, cmd C) (R, error) {
	return f(ctx, cmd)
}

// Bus is the untyped dispatch surface middleware wraps.
type Bus interface {
	Dispatch(ctx context.Context, cmd Command) (any, error)
}

var (
	ErrHandlerNotFound = errors.New("commands: handler not found")
	ErrInvalidCommand  = errors.New("commands: invalid command for handler")
	ErrResultType      = errors.New("commands: result type mismatch")
	ErrNilBus          = errors.New("commands: nil bus")
)

// Dispatch sends cmd through bus and asserts the result type. A nil result
// comes back as the zero R.
func Dispatch[C Command, R any](ctx context.Context, bus Bus, cmd C) (R, error) {
	var zero R
	if bus == nil {
		return zero, ErrNilBus
	}
	res, err := bus.Dispatch(ctx, cmd)
	if err != nil || res == nil {
		return zero, err
	}
	value, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", ErrResultType, cmd.Key(), res)
	}
	return value, nil
}

type route func(ctx context.Context, cmd Command) (any, error)

// InMemoryBus routes commands to handlers registered by key. Registration is
// not safe for concurrent use; finish it before dispatching.
type InMemoryBus struct {
	routes map[string]route
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{routes: make(map[string]route)}
}

func (b *InMemoryBus) Dispatch(ctx context.Context, cmd Command) (any, error) {
	r, ok := b.routes[cmd.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, cmd.Key())
	}
	return r(ctx, cmd)
}

// Keys lists registered command keys in order.
func (b *InMemoryBus) Keys() []string {
	keys := make([]string, 0, len(b.routes))
	for k := range b.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Register attaches a typed handler. Registering a key twice panics.
func Register[C Command, R any](bus *InMemoryBus, key string, handler Handler[C, R]) {
	switch {
	case bus == nil:
		panic("commands: nil bus")
	case key == "":
		panic("commands: empty key registration")
	}
	if _, dup := bus.routes[key]; dup {
		panic("commands: duplicate handler for " + key)
	}
	bus.routes[key] = func(ctx context.Context, raw Command) (any, error) {
		cmd, ok := raw.(C)
		if !ok {
			return nil, fmt.Errorf("%w: %s got %T", ErrInvalidCommand, key, raw)
		}
		return handler.Handle(ctx, cmd)
	}
}
