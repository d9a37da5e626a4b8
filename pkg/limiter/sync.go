package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/shaneisley/simplerest/pkg/i18n"
	"github.com/shaneisley/simplerest/pkg/metrics"
)

// Sync is a permit pool refilled to capacity once per period by a ticker
type Sync struct {
	opts    Options
	permits chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}
}

// NewSync creates a full permit pool
func NewSync(opts Options) (*Sync, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Logger = opts.Logger.WithComponent("sync-limiter")

	s := &Sync{
		opts:    opts,
		permits: make(chan struct{}, opts.Capacity),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := 0; i < opts.Capacity; i++ {
		s.permits <- struct{}{}
	}
	return s, nil
}

// Acquire takes a permit, waiting for the next refill when none is left
func (s *Sync) Acquire(ctx context.Context) error {
	if s.isStopped() {
		return ErrStopped
	}

	select {
	case <-s.permits:
		if len(s.permits) == 0 {
			s.opts.logEvent(i18n.KeyLimitReached)
		}
		return nil
	default:
	}

	metrics.ObserveLimiterWait("sync")
	select {
	case <-s.permits:
		return nil
	case <-s.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a permit only if one is immediately available
func (s *Sync) TryAcquire() bool {
	if s.isStopped() {
		return false
	}
	select {
	case <-s.permits:
		return true
	default:
		return false
	}
}

// Refresh tops the pool back up to capacity
func (s *Sync) Refresh() {
	s.opts.logEvent(i18n.KeyLimitRefreshed)
	for {
		select {
		case s.permits <- struct{}{}:
		default:
			return
		}
	}
}

// Available returns the number of free permits
func (s *Sync) Available() int {
	return len(s.permits)
}

// Start launches the refill ticker
func (s *Sync) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopped {
		return
	}
	s.running = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.Period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Refresh()
			case <-s.quit:
				return
			}
		}
	}()
}

// Stop ends refills and wakes blocked callers with ErrStopped
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	running := s.running
	close(s.quit)
	s.mu.Unlock()

	if running {
		<-s.done
	}
}

func (s *Sync) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
