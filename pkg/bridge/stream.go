package bridge

import (
	"context"
	"io"
	"sync"

	"github.com/shaneisley/simplerest/pkg/metrics"
)

// StreamOp produces values through emit. emit returns an error once the
// consumer closed the stream, after which the op should return.
type StreamOp[T any] func(ctx context.Context, emit func(T) error) error

// Stream exposes values produced on the bridge for pull-based consumption
type Stream[T any] struct {
	items   chan T
	done    chan struct{}
	started chan struct{}
	closed  chan struct{}
	stop    <-chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	err       error
}

// ExecuteStream submits op and waits until it has started producing
func ExecuteStream[T any](b *Bridge, op StreamOp[T]) (*Stream[T], error) {
	s, err := ExecuteStreamNoWait(b, op)
	if err != nil {
		return nil, err
	}
	select {
	case <-s.started:
	case <-s.done:
	case <-s.stop:
		return nil, ErrCancelled
	}
	return s, nil
}

// ExecuteStreamNoWait submits op and returns the stream immediately
func ExecuteStreamNoWait[T any](b *Bridge, op StreamOp[T]) (*Stream[T], error) {
	if b == nil {
		return nil, ErrNotInitialized
	}

	s := &Stream[T]{
		items:   make(chan T),
		done:    make(chan struct{}),
		started: make(chan struct{}),
		closed:  make(chan struct{}),
		stop:    b.quit,
	}

	err := b.hand(func(ctx context.Context) {
		metrics.BridgeTaskStarted()
		defer metrics.BridgeTaskFinished()
		s.markStarted()

		emit := func(v T) error {
			select {
			case s.items <- v:
				return nil
			case <-s.closed:
				return io.ErrClosedPipe
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := runCaught(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, op(ctx, emit)
		})
		s.err = err
		close(s.done)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream[T]) markStarted() {
	s.startOnce.Do(func() { close(s.started) })
}

// Next returns the next value, io.EOF once the op returned without error, or
// the op's error
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-s.items:
		return v, nil
	case <-s.done:
		if s.err != nil {
			return zero, s.err
		}
		return zero, io.EOF
	case <-s.stop:
		return zero, ErrCancelled
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close tells the op to stop emitting
func (s *Stream[T]) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Collect drains the stream into a slice
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for {
		v, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
