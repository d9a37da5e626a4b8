package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/panics"

	"github.com/shaneisley/simplerest/pkg/metrics"
)

// ErrCancelled is returned by Join when the bridge stopped before the op finished
var ErrCancelled = errors.New("bridge stopped before task completed")

// Op is a unit of work run on the bridge
type Op[T any] func(ctx context.Context) (T, error)

// Task is a pending op with a result slot written exactly once
type Task[T any] struct {
	done  chan struct{}
	value T
	err   error
	stop  <-chan struct{}
}

func newTask[T any](b *Bridge) *Task[T] {
	return &Task[T]{done: make(chan struct{}), stop: b.quit}
}

func (t *Task[T]) finish(value T, err error) {
	t.value = value
	t.err = err
	close(t.done)
}

// Done is closed once the result is available
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Join waits for the op and returns its result. It returns ErrCancelled if
// the bridge stops first.
func (t *Task[T]) Join() (T, error) {
	return t.JoinContext(context.Background())
}

// JoinContext is Join bounded by ctx
func (t *Task[T]) JoinContext(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	default:
	}

	select {
	case <-t.done:
		return t.value, t.err
	case <-t.stop:
		select {
		case <-t.done:
			return t.value, t.err
		default:
		}
		var zero T
		return zero, ErrCancelled
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Execute runs op on the bridge and waits for it
func Execute[T any](b *Bridge, op Op[T]) (T, error) {
	task, err := ExecuteNoWait(b, op)
	if err != nil {
		var zero T
		return zero, err
	}
	return task.Join()
}

// ExecuteNoWait submits op and returns its task without waiting
func ExecuteNoWait[T any](b *Bridge, op Op[T]) (*Task[T], error) {
	if b == nil {
		return nil, ErrNotInitialized
	}
	task := newTask[T](b)
	err := b.hand(func(ctx context.Context) {
		metrics.BridgeTaskStarted()
		defer metrics.BridgeTaskFinished()
		value, err := runCaught(ctx, op)
		task.finish(value, err)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// runCaught runs op, turning a panic into an error
func runCaught[T any](ctx context.Context, op Op[T]) (value T, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		value, err = op(ctx)
	})
	if r := catcher.Recovered(); r != nil {
		var zero T
		return zero, fmt.Errorf("task panicked: %w", r.AsError())
	}
	return value, err
}
