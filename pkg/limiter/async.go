package limiter

import (
	"context"
	"errors"
	"sync"

	"github.com/shaneisley/simplerest/pkg/i18n"
	"github.com/shaneisley/simplerest/pkg/metrics"
	"github.com/shaneisley/simplerest/pkg/scheduler"
)

// Async keeps an admission counter owned by a scheduler loop
type Async struct {
	opts Options
	loop *scheduler.Loop

	// owned by loop
	value   int
	waiters []*waiter
	stopped bool

	mu       sync.Mutex
	stopTick func()
}

// waiter is a parked Acquire. stopped is written on the loop before ready
// is closed.
type waiter struct {
	ready   chan struct{}
	stopped bool
}

// NewAsync creates a limiter whose counter lives on loop
func NewAsync(loop *scheduler.Loop, opts Options) (*Async, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if loop == nil {
		return nil, ConfigurationError{Field: "loop", Value: nil, Message: "async limiter needs a scheduler loop"}
	}
	opts.Logger = opts.Logger.WithComponent("async-limiter")

	return &Async{
		opts:  opts,
		loop:  loop,
		value: opts.Capacity,
	}, nil
}

// Acquire decrements the counter, or parks the caller until the next refresh
func (a *Async) Acquire(ctx context.Context) error {
	var w *waiter
	var stopped, granted bool

	err := a.loop.Call(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		if a.stopped {
			stopped = true
			return
		}
		if a.value > 0 {
			a.value--
			granted = true
			if a.value == 0 {
				a.opts.logEvent(i18n.KeyLimitReached)
			}
			return
		}
		w = &waiter{ready: make(chan struct{})}
		a.waiters = append(a.waiters, w)
	})
	if err != nil {
		// queued behind the first closure, which may still run
		_ = a.loop.Post(func() {
			switch {
			case w != nil:
				a.abandon(w)
			case granted && a.value < a.opts.Capacity:
				a.value++
			}
		})
		if errors.Is(err, scheduler.ErrStopped) {
			return ErrStopped
		}
		return err
	}
	if stopped {
		return ErrStopped
	}
	if w == nil {
		return nil
	}

	metrics.ObserveLimiterWait("async")
	select {
	case <-w.ready:
		if w.stopped {
			return ErrStopped
		}
		return nil
	case <-ctx.Done():
		_ = a.loop.Post(func() { a.abandon(w) })
		return ctx.Err()
	case <-a.loop.Context().Done():
		return ErrStopped
	}
}

// abandon removes a cancelled waiter, returning its permit if it was
// already granted. Runs on the loop.
func (a *Async) abandon(w *waiter) {
	for i, parked := range a.waiters {
		if parked == w {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
	if !w.stopped && a.value < a.opts.Capacity {
		a.value++
	}
}

// Refresh resets the counter on the loop and wakes waiters
func (a *Async) Refresh() {
	_ = a.loop.Post(a.refresh)
}

func (a *Async) refresh() {
	if a.stopped {
		return
	}
	a.opts.logEvent(i18n.KeyLimitRefreshed)
	a.value = a.opts.Capacity
	for len(a.waiters) > 0 && a.value > 0 {
		w := a.waiters[0]
		a.waiters[0] = nil
		a.waiters = a.waiters[1:]
		a.value--
		close(w.ready)
	}
}

// Available returns the current counter value
func (a *Async) Available(ctx context.Context) (int, error) {
	var n int
	err := a.loop.Call(ctx, func() { n = a.value })
	return n, err
}

// Waiting returns the number of parked callers
func (a *Async) Waiting(ctx context.Context) (int, error) {
	var n int
	err := a.loop.Call(ctx, func() { n = len(a.waiters) })
	return n, err
}

// Start schedules a refresh every period on the loop
func (a *Async) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopTick != nil {
		return
	}
	a.stopTick = a.loop.Every(a.opts.Period, a.refresh)
}

// Stop cancels refreshes; parked and future callers get ErrStopped
func (a *Async) Stop() {
	a.mu.Lock()
	if a.stopTick != nil {
		a.stopTick()
	}
	a.stopTick = func() {}
	a.mu.Unlock()

	_ = a.loop.Post(func() {
		a.stopped = true
		for _, w := range a.waiters {
			w.stopped = true
			close(w.ready)
		}
		a.waiters = nil
	})
}
