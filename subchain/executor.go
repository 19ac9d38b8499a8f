package subchain

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Executor runs functions on behalf of subchains. It returns false if the
// function could not be started because the executor is stopping.
type Executor interface {
	Go(ctx context.Context, f func(ctx context.Context)) bool
}

// A compile-time check to ensure the goroutine manager can run subchain
// work.
var _ Executor = (*fn.GoroutineManager)(nil)

// InlineExecutor runs functions on the calling goroutine. It makes the
// order of work deterministic, which is what tests want.
type InlineExecutor struct{}

// Go runs f and returns true.
func (InlineExecutor) Go(ctx context.Context,
	f func(ctx context.Context)) bool {

	f(ctx)

	return true
}
