package bridge

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// Outcome is the result of one op in a group
type Outcome[T any] struct {
	Value T
	Err   error
}

// ExecuteGroup runs ops concurrently and waits for all of them. A failing op
// never cancels the others; its error is kept in its own Outcome.
func ExecuteGroup[T any](b *Bridge, ops ...Op[T]) ([]Outcome[T], error) {
	task, err := ExecuteGroupNoWait(b, ops...)
	if err != nil {
		return nil, err
	}
	return task.Join()
}

// ExecuteGroupNoWait submits ops as one task. At most MaxParallelRequests ops
// run at a time.
func ExecuteGroupNoWait[T any](b *Bridge, ops ...Op[T]) (*Task[[]Outcome[T]], error) {
	if b == nil {
		return nil, ErrNotInitialized
	}

	limit := b.cfg.MaxParallelRequests
	if limit <= 0 {
		limit = 1
	}

	return ExecuteNoWait(b, func(ctx context.Context) ([]Outcome[T], error) {
		outcomes := make([]Outcome[T], len(ops))
		p := pool.New().WithMaxGoroutines(limit)
		for i, op := range ops {
			i, op := i, op
			p.Go(func() {
				value, err := runCaught(ctx, op)
				outcomes[i] = Outcome[T]{Value: value, Err: err}
			})
		}
		p.Wait()
		return outcomes, nil
	})
}
