// Package limiter bounds how many admissions may happen per refill period.
//
// Sync is safe to call from any goroutine. Async keeps its counter on a
// scheduler loop and never blocks that loop: waiters park on their own
// channel until a refresh hands them a permit.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaneisley/simplerest/pkg/i18n"
	"github.com/shaneisley/simplerest/pkg/logging"
)

// ErrStopped is returned by Acquire after Stop
var ErrStopped = errors.New("limiter stopped")

// Limiter admits callers up to a capacity per period
type Limiter interface {
	// Acquire blocks until a permit is available or ctx ends
	Acquire(ctx context.Context) error
	// Refresh restores capacity
	Refresh()
	// Start begins periodic refreshes
	Start()
	// Stop ends periodic refreshes and rejects further admissions
	Stop()
}

// ConfigurationError reports invalid limiter settings
type ConfigurationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("invalid limiter %s value '%v': %s", e.Field, e.Value, e.Message)
}

// Options configures either limiter variant
type Options struct {
	Capacity int
	Period   time.Duration
	// Debug logs exhaustion and refresh events
	Debug  bool
	Logger *logging.Logger
	Texts  *i18n.Texts
}

func (o *Options) validate() error {
	if o.Capacity <= 0 {
		return ConfigurationError{Field: "capacity", Value: o.Capacity, Message: "must be greater than 0"}
	}
	if o.Period <= 0 {
		return ConfigurationError{Field: "period", Value: o.Period, Message: "must be greater than 0"}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return nil
}

func (o *Options) logEvent(key string) {
	if !o.Debug {
		return
	}
	msg := key
	if o.Texts != nil {
		msg = o.Texts.Text(key)
	}
	o.Logger.Info(msg, "event", key, "at", time.Now().Format("15:04:05"))
}

// Scope starts l, runs fn and stops l afterwards
func Scope(ctx context.Context, l Limiter, fn func(ctx context.Context) error) error {
	l.Start()
	defer l.Stop()
	return fn(ctx)
}
