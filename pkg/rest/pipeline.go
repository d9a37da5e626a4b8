package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shaneisley/simplerest/pkg/backoff"
	"github.com/shaneisley/simplerest/pkg/envelope"
	"github.com/shaneisley/simplerest/pkg/i18n"
	"github.com/shaneisley/simplerest/pkg/metrics"
	"github.com/shaneisley/simplerest/pkg/session"
)

// exchange is the state one request carries through the stages
type exchange struct {
	req     *Request
	started time.Time
	target  *url.URL
	payload *payload
	lease   *session.Lease

	status int
	header http.Header
	raw    []byte

	env      *envelope.Envelope
	attempts []metrics.AttemptMetric
}

// stage is one pipeline step. Once a stage stored an envelope, only stages
// marked always still run.
type stage struct {
	name   string
	always bool
	run    func(ctx context.Context, x *exchange)
}

func (e *Engine) pipeline() []stage {
	return []stage{
		{name: "admit", run: e.admit},
		{name: "encode", run: e.encode},
		{name: "transmit", run: e.transmit},
		{name: "release", always: true, run: e.release},
		{name: "callback", always: true, run: e.callback},
		{name: "decode", always: true, run: e.decode},
	}
}

func (e *Engine) run(ctx context.Context, req *Request) {
	x := &exchange{req: req, started: time.Now()}
	log := e.logger.WithRequest(req.ID)

	for _, s := range e.stages {
		if x.env != nil && !s.always {
			continue
		}
		s.run(ctx, x)
		log.Debug("stage finished", "stage", s.name, "failed", x.env != nil && x.env.Err != nil)
	}

	e.complete(ctx, x)
}

func (e *Engine) admit(ctx context.Context, x *exchange) {
	if x.req.Limiter == nil {
		return
	}
	if err := x.req.Limiter.Acquire(ctx); err != nil {
		x.env = envelope.FromError(e.texts, fmt.Errorf("rate limiter: %w", err))
	}
}

func (e *Engine) encode(_ context.Context, x *exchange) {
	target, err := url.Parse(x.req.URL)
	if err != nil {
		x.env = envelope.FromError(e.texts, fmt.Errorf("parse url: %w", err))
		return
	}
	x.target = target

	p, err := encodeBody(x.req)
	if err != nil {
		x.env = envelope.FromError(e.texts, err)
		return
	}
	x.payload = p
}

// transmit sends the request on a pooled session. Transport errors are final.
// 5xx responses are retried while the budget lasts, each retry on a fresh
// borrow after the previous lease was released.
func (e *Engine) transmit(ctx context.Context, x *exchange) {
	req := x.req
	log := e.logger.WithRequest(req.ID)

	for {
		lease, err := e.pool.Get(ctx, req.SessionKey, session.Options{
			IdleTimeout: req.IdleTimeout,
			Headers:     req.Headers,
			Cookies:     req.Cookies,
			URL:         x.target,
			TLS:         req.TLS,
			Timeout:     req.Timeout,
		})
		if err != nil {
			x.env = envelope.FromError(e.texts, err)
			return
		}
		x.lease = lease

		attempt := req.countAttempt()
		start := time.Now()
		status, header, raw, err := e.attempt(ctx, x)
		elapsed := time.Since(start)
		e.observer.OnAttempt(req, attempt, status, err, elapsed)

		if err != nil {
			x.attempts = append(x.attempts, metrics.AttemptMetric{Duration: elapsed, StatusCode: envelope.StatusTransportFailure, Error: err.Error()})
			metrics.ObserveAttempt("transport_error")
			log.Debug("attempt failed", "attempt", attempt, "error", err)
			x.env = envelope.FromError(e.texts, err)
			return
		}

		x.attempts = append(x.attempts, metrics.AttemptMetric{
			Duration:   elapsed,
			StatusCode: status,
			Success:    status >= 200 && status < 300,
		})
		metrics.ObserveAttempt("response")
		log.Debug("attempt finished", "attempt", attempt, "status", status)

		if status < 500 || status > 599 {
			x.status, x.header, x.raw = status, header, raw
			return
		}

		if !x.payload.replayable() || !req.takeRetry() {
			last := e.decoder.FromBody(status, header, raw, nil)
			x.env = envelope.RetriesExceeded(e.texts, last)
			return
		}

		delay := backoff.DelayFor(req.Backoff, attempt, header)
		e.observer.OnRetry(req, attempt, delay)
		metrics.ObserveRetry()
		log.Debug("retrying", "attempt", attempt, "status", status, "delay", delay, "retries_left", req.RetriesLeft())

		x.lease.Release()
		x.lease = nil

		if err := sleep(ctx, delay); err != nil {
			x.env = envelope.FromError(e.texts, err)
			return
		}
	}
}

// attempt issues one HTTP call and buffers the response body
func (e *Engine) attempt(ctx context.Context, x *exchange) (int, http.Header, []byte, error) {
	if x.req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.req.Timeout)
		defer cancel()
	}

	body, err := x.payload.open()
	if err != nil {
		return 0, nil, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, x.req.Method, x.target.String(), body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range x.lease.Headers {
		httpReq.Header[name] = append([]string(nil), values...)
	}
	if x.payload.contentType != "" {
		httpReq.Header.Set("Content-Type", x.payload.contentType)
	}

	resp, err := x.lease.Client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, resp.Header, raw, nil
}

func (e *Engine) release(_ context.Context, x *exchange) {
	if x.lease != nil {
		x.lease.Release()
		x.lease = nil
	}
	if c, ok := x.req.BodyReader.(io.Closer); ok {
		_ = c.Close()
	}
}

// callback hands the request callback to the loop, which spawns it as a task
func (e *Engine) callback(_ context.Context, x *exchange) {
	req := x.req
	if req.Callback == nil {
		return
	}

	err := e.loop.Post(func() {
		err := e.loop.Go(func(ctx context.Context) {
			defer req.callbackFinished()
			defer func() {
				if r := recover(); r != nil {
					e.logger.WithRequest(req.ID).Error(e.texts.Format(i18n.KeyExceptWork, r))
				}
			}()
			req.Callback(ctx)
		})
		if err != nil {
			req.callbackFinished()
		}
	})
	if err != nil {
		e.logger.LogError("schedule_callback", err, "request_id", req.ID)
		req.callbackFinished()
	}
}

func (e *Engine) decode(_ context.Context, x *exchange) {
	if x.env != nil {
		return
	}
	x.env = e.decoder.FromBody(x.status, x.header, x.raw, x.req.Schema)
}

// complete records the exchange and publishes the envelope
func (e *Engine) complete(ctx context.Context, x *exchange) {
	req := x.req
	elapsed := time.Since(x.started)

	e.observe(ctx, req, x.env, x.attempts, elapsed)
	req.finish(x.env)
}

func (e *Engine) observe(ctx context.Context, req *Request, env *envelope.Envelope, attempts []metrics.AttemptMetric, elapsed time.Duration) {
	m := metrics.NewExchangeMetrics(req.ID, req.Method, req.URL, req.SessionKey, env.StatusCode, elapsed, attempts)
	if e.cfg.MetricsEnabled {
		metrics.ObserveExchange(m)
	}
	if e.recorder != nil {
		if err := e.recorder.Record(context.WithoutCancel(ctx), m); err != nil {
			e.logger.LogError("record_exchange", err, "request_id", req.ID)
		}
	}
	e.observer.OnComplete(req, env, elapsed)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
