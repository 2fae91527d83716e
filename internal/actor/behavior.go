package actor

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// FunctionBehavior adapts a plain function into an ActorBehavior, for actors
// whose logic doesn't warrant a dedicated type (the dead-letter office being
// the canonical example).
type FunctionBehavior[M Message, R any] struct {
	fn func(context.Context, M) fn.Result[R]
}

// NewFunctionBehavior wraps fn as an ActorBehavior.
func NewFunctionBehavior[M Message, R any](
	fn func(context.Context, M) fn.Result[R],
) *FunctionBehavior[M, R] {

	return &FunctionBehavior[M, R]{fn: fn}
}

// Receive implements ActorBehavior by delegating to the wrapped function.
//
// NOTE: this is part of the ActorBehavior interface.
func (b *FunctionBehavior[M, R]) Receive(
	ctx context.Context, msg M,
) fn.Result[R] {

	return b.fn(ctx, msg)
}
