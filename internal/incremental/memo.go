package incremental

import (
	"context"
	"sync/atomic"
)

// resultCell states. A cell moves Unstarted -> InFlight -> Done exactly
// once; the transition out of Unstarted is a compare-and-swap so that
// racing triggers claim the work at most once.
const (
	cellUnstarted int32 = iota
	cellInFlight
	cellDone
)

// resultCell runs a unit of work at most once. Any number of concurrent
// triggers may attempt to start it; exactly one claims it and runs the
// function, every other trigger is refused. The claimer delivers the
// value to whoever needs it.
type resultCell[T any] struct {
	state atomic.Int32
	fn    func(context.Context) T
}

func newResultCell[T any](fn func(context.Context) T) *resultCell[T] {
	return &resultCell[T]{fn: fn}
}

// claim attempts to take ownership of running the work. The caller that
// wins must follow up with invoke.
func (c *resultCell[T]) claim() bool {
	return c.state.CompareAndSwap(cellUnstarted, cellInFlight)
}

// invoke runs the work and returns its value. Only the claimer may
// call it.
func (c *resultCell[T]) invoke(ctx context.Context) T {
	v := c.fn(ctx)
	c.state.Store(cellDone)
	return v
}
