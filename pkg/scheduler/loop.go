// Package scheduler provides the single sequenced executor of the engine.
//
// A Loop drains one FIFO of closures on one goroutine, so closures posted to
// the same Loop never run concurrently and state touched only from inside
// them needs no lock. Blocking work (network I/O) runs in task goroutines
// spawned with Go; tasks hand state changes back to the loop with Post or
// Call.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaneisley/simplerest/pkg/logging"
)

// ErrStopped is returned when work is submitted to a stopped loop
var ErrStopped = errors.New("scheduler loop stopped")

// Loop is a sequenced task runner
type Loop struct {
	logger *logging.Logger

	mu      sync.Mutex
	queue   []func()
	started bool
	stopped bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New creates a loop. Call Start before posting work that must run.
func New(logger *logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		logger: logger.WithComponent("scheduler"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the loop goroutine; calling it twice is a no-op
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
	l.logger.Debug("loop started")
}

// Stop halts the loop and cancels its context. Queued closures that did not
// run yet are dropped and spawned tasks are not awaited. Must not be called
// from inside a loop closure.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	l.queue = nil
	l.mu.Unlock()

	l.cancel()
	if started {
		<-l.done
	}
	l.logger.Debug("loop stopped")
}

// Running reports whether the loop accepts work
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// Context is cancelled when the loop stops
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post enqueues fn without blocking
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the loop and waits for it. Must not be called from inside a
// loop closure.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrStopped
	}
}

// Go spawns a task goroutine bound to the loop's lifetime context
func (l *Loop) Go(fn func(ctx context.Context)) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.tasks.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.tasks.Done()
		fn(l.ctx)
	}()
	return nil
}

// Wait blocks until every task spawned with Go has returned or ctx ends
func (l *Loop) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer is a cancellable delayed loop closure
type Timer struct {
	t *time.Timer
}

// Stop prevents the closure from being posted if it has not fired yet
func (t *Timer) Stop() bool {
	return t.t.Stop()
}

// AfterFunc posts fn to the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() {
		_ = l.Post(fn)
	})}
}

// Every posts fn every d until the returned stop function is called or the
// loop stops
func (l *Loop) Every(d time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(d)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Post(fn); err != nil {
					return
				}
			case <-quit:
				return
			case <-l.ctx.Done():
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(quit) })
	}
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.runSafe(fn)

			if l.ctx.Err() != nil {
				return
			}
		}
	}
}

func (l *Loop) runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.LogError("loop_task", fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}
