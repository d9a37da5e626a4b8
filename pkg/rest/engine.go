// Package rest sends Requests through an ordered pipeline of stages: admission,
// body encoding, transmission with retries on a pooled session, session
// release, callback scheduling and body decoding.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shaneisley/simplerest/pkg/backoff"
	"github.com/shaneisley/simplerest/pkg/config"
	"github.com/shaneisley/simplerest/pkg/envelope"
	"github.com/shaneisley/simplerest/pkg/i18n"
	"github.com/shaneisley/simplerest/pkg/limiter"
	"github.com/shaneisley/simplerest/pkg/logging"
	"github.com/shaneisley/simplerest/pkg/metrics"
	"github.com/shaneisley/simplerest/pkg/scheduler"
	"github.com/shaneisley/simplerest/pkg/session"
)

// Observer is told about every attempt, retry and completed exchange
type Observer interface {
	OnAttempt(req *Request, attempt int, status int, err error, elapsed time.Duration)
	OnRetry(req *Request, attempt int, delay time.Duration)
	OnComplete(req *Request, env *envelope.Envelope, elapsed time.Duration)
}

// Recorder persists completed exchanges
type Recorder interface {
	Record(ctx context.Context, m *metrics.ExchangeMetrics) error
}

// MultiRecorder records into every recorder in order and combines their errors
type MultiRecorder []Recorder

// Record implements Recorder
func (rs MultiRecorder) Record(ctx context.Context, m *metrics.ExchangeMetrics) error {
	var err error
	for _, r := range rs {
		err = multierr.Append(err, r.Record(ctx, m))
	}
	return err
}

type nopObserver struct{}

func (nopObserver) OnAttempt(*Request, int, int, error, time.Duration)     {}
func (nopObserver) OnRetry(*Request, int, time.Duration)                   {}
func (nopObserver) OnComplete(*Request, *envelope.Envelope, time.Duration) {}

// Options carries the optional collaborators of an Engine
type Options struct {
	Logger *logging.Logger
	Texts  *i18n.Texts
	// Loop runs pool bookkeeping and callbacks. A private loop is started
	// when nil and stopped by Close.
	Loop     *scheduler.Loop
	Observer Observer
	Recorder Recorder
}

// Engine is the context shared by every request it sends
type Engine struct {
	cfg      *config.Config
	texts    *i18n.Texts
	loop     *scheduler.Loop
	ownsLoop bool
	pool     *session.Pool
	decoder  *envelope.Decoder
	logger   *logging.Logger
	observer Observer
	recorder Recorder
	strategy backoff.Strategy
	stages   []stage
}

// NewEngine builds an engine from cfg
func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.LoadWithDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	texts := opts.Texts
	if texts == nil {
		var err error
		texts, err = i18n.Load(cfg.Locale)
		if err != nil {
			return nil, err
		}
	}

	strategy, err := backoff.New(backoff.Kind(cfg.Backoff), cfg.RetryDelay, cfg.BackoffMultiplier, cfg.MaxRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("retry backoff: %w", err)
	}
	if cfg.RespectRetryAfter {
		strategy = backoff.NewHTTPAware(strategy, cfg.MaxRetryDelay)
	}

	e := &Engine{
		cfg:      cfg,
		texts:    texts,
		loop:     opts.Loop,
		logger:   logger.WithComponent("rest"),
		observer: opts.Observer,
		recorder: opts.Recorder,
		strategy: strategy,
		decoder:  &envelope.Decoder{Texts: texts, Encoding: cfg.Encoding},
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.loop == nil {
		e.loop = scheduler.New(logger)
		e.loop.Start()
		e.ownsLoop = true
	}
	e.pool = session.NewPool(e.loop, session.PoolConfig{
		Logger: logger,
		Texts:  texts,
		Debug:  cfg.DebugMode,
	})
	e.stages = e.pipeline()

	return e, nil
}

// Config returns the engine configuration
func (e *Engine) Config() *config.Config { return e.cfg }

// Texts returns the localized texts
func (e *Engine) Texts() *i18n.Texts { return e.texts }

// Loop returns the scheduler loop
func (e *Engine) Loop() *scheduler.Loop { return e.loop }

// Pool returns the session pool
func (e *Engine) Pool() *session.Pool { return e.pool }

// NewRequest builds a request carrying the configured defaults
func (e *Engine) NewRequest(method, url string) *Request {
	r := &Request{
		ID:          uuid.NewString(),
		Method:      method,
		URL:         url,
		SessionKey:  DefaultSessionKey,
		Retries:     e.cfg.Retries,
		Backoff:     e.strategy,
		Timeout:     e.cfg.RequestTimeout,
		IdleTimeout: e.cfg.SessionIdleTimeout,
		engine:      e,
	}
	return r
}

// NewLimiter creates a loop-backed limiter with the configured capacity and period
func (e *Engine) NewLimiter() (*limiter.Async, error) {
	return limiter.NewAsync(e.loop, e.limiterOptions())
}

// NewSyncLimiter creates a goroutine-safe limiter with the configured capacity and period
func (e *Engine) NewSyncLimiter() (*limiter.Sync, error) {
	return limiter.NewSync(e.limiterOptions())
}

func (e *Engine) limiterOptions() limiter.Options {
	return limiter.Options{
		Capacity: e.cfg.RequestLimit,
		Period:   e.cfg.RequestLimitPeriod,
		Debug:    e.cfg.DebugMode,
		Logger:   e.logger,
		Texts:    e.texts,
	}
}

// Start launches req without waiting. Starting a request twice is a no-op.
func (e *Engine) Start(ctx context.Context, req *Request) error {
	req.init()
	if req.engine == nil {
		req.engine = e
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var err error
	req.startOnce.Do(func() {
		err = e.loop.Go(func(loopCtx context.Context) {
			runCtx, cancel := context.WithCancel(loopCtx)
			defer cancel()
			stop := context.AfterFunc(ctx, cancel)
			defer stop()

			e.run(runCtx, req)
		})
		if err != nil {
			req.finish(envelope.FromError(e.texts, err))
		}
	})
	return err
}

// Send runs req and waits for its envelope. If ctx ends first a transport
// failure envelope carrying ctx.Err() is returned and the request keeps its
// own result slot untouched.
func (e *Engine) Send(ctx context.Context, req *Request) *envelope.Envelope {
	if err := e.Start(ctx, req); err != nil {
		return req.Envelope()
	}

	select {
	case <-req.done:
		return req.Envelope()
	case <-ctx.Done():
		return envelope.FromError(e.texts, ctx.Err())
	}
}

// Close closes every pooled session and stops the engine's private loop
func (e *Engine) Close(ctx context.Context) error {
	err := e.pool.CloseAll(ctx)
	if e.ownsLoop {
		e.loop.Stop()
	}
	return err
}
