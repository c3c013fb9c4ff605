package uow

import (
	"context"
	"errors"

	"gigdeal/internal/app/outbox"
	"gigdeal/internal/domain/negotiation"
)

var ErrUnitOfWorkMissing = errors.New("uow: unit of work missing")

// UnitOfWork commits conversation writes and their outbox records together.
type UnitOfWork interface {
	Conversations() negotiation.Repository
	Outbox() outbox.Outbox

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Factory starts unit of work instances.
type Factory interface {
	Begin(ctx context.Context, opts TxOptions) (UnitOfWork, error)
}

type TxOptions struct {
	ReadOnly bool
}

type ctxKey struct{}

// ContextWithUnitOfWork stores unit in ctx for nested handlers.
func ContextWithUnitOfWork(ctx context.Context, unit UnitOfWork) context.Context {
	return context.WithValue(ctx, ctxKey{}, unit)
}

func FromContext(ctx context.Context) (UnitOfWork, bool) {
	unit, ok := ctx.Value(ctxKey{}).(UnitOfWork)
	return unit, ok
}

// Begin starts a unit and returns the context its work must run under.
func Begin(ctx context.Context, factory Factory, opts TxOptions) (UnitOfWork, context.Context, error) {
	if factory == nil {
		return nil, ctx, ErrUnitOfWorkMissing
	}
	unit, err := factory.Begin(ctx, opts)
	if err != nil {
		return nil, ctx, err
	}
	execCtx := ctx
	if injector, ok := unit.(interface {
		InjectContext(context.Context) context.Context
	}); ok {
		execCtx = injector.InjectContext(ctx)
	}
	return unit, ContextWithUnitOfWork(execCtx, unit), nil
}
