// Package bridge lets synchronous callers drive work on a dedicated
// scheduler loop. Only one Bridge may be active per process.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/shaneisley/simplerest/pkg/config"
	"github.com/shaneisley/simplerest/pkg/logging"
	"github.com/shaneisley/simplerest/pkg/scheduler"
)

var (
	// ErrBridgeExists is returned when a second Bridge is constructed
	ErrBridgeExists = errors.New("bridge already running")

	// ErrNotInitialized is returned when no Bridge is active
	ErrNotInitialized = errors.New("bridge not initialized")
)

var active atomic.Pointer[Bridge]

// Bridge owns a scheduler loop and a submission channel feeding it
type Bridge struct {
	cfg    *config.Config
	logger *logging.Logger
	loop   *scheduler.Loop

	submit   chan func(ctx context.Context)
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New starts the process-wide bridge
func New(cfg *config.Config, logger *logging.Logger) (*Bridge, error) {
	if cfg == nil {
		cfg = config.LoadWithDefaults()
	}
	if logger == nil {
		logger = logging.Discard()
	}

	b := &Bridge{
		cfg:    cfg,
		logger: logger.WithComponent("bridge"),
		submit: make(chan func(ctx context.Context)),
		quit:   make(chan struct{}),
	}
	if !active.CompareAndSwap(nil, b) {
		return nil, ErrBridgeExists
	}

	b.loop = scheduler.New(logger)
	b.loop.Start()

	b.wg.Add(1)
	go b.dispatch()

	b.logger.Debug("bridge started", "max_parallel_requests", cfg.MaxParallelRequests)
	return b, nil
}

// Current returns the active bridge
func Current() (*Bridge, error) {
	b := active.Load()
	if b == nil {
		return nil, ErrNotInitialized
	}
	return b, nil
}

// Loop returns the scheduler loop the bridge runs work on
func (b *Bridge) Loop() *scheduler.Loop {
	return b.loop
}

// Config returns the configuration the bridge was built with
func (b *Bridge) Config() *config.Config {
	return b.cfg
}

// Stop halts the loop and clears the process registration. Outstanding work
// is cancelled through its context and not awaited.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		b.wg.Wait()
		b.loop.Stop()
		active.CompareAndSwap(b, nil)
		b.logger.Debug("bridge stopped")
	})
}

// dispatch hands each submitted op to the loop, which spawns it as a task
func (b *Bridge) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case run := <-b.submit:
			err := b.loop.Post(func() {
				if err := b.loop.Go(run); err != nil {
					b.logger.LogError("dispatch", err)
				}
			})
			if err != nil {
				b.logger.LogError("dispatch", err)
			}
		case <-b.quit:
			return
		}
	}
}

// hand passes run to the dispatcher
func (b *Bridge) hand(run func(ctx context.Context)) error {
	select {
	case b.submit <- run:
		return nil
	case <-b.quit:
		return ErrNotInitialized
	}
}
