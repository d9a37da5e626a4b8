package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shaneisley/simplerest/pkg/envelope"
	"github.com/shaneisley/simplerest/pkg/metrics"
	"github.com/shaneisley/simplerest/pkg/session"
)

// notFoundPayload is the body some servers stream in place of a 404
var notFoundPayload = []byte(`{"detail":"Not Found"}`)

// Stream reads a response body in fixed-size chunks
type Stream struct {
	engine *Engine
	req    *Request
	ctx    context.Context
	cancel context.CancelFunc
	lease  *session.Lease
	resp   *http.Response
	buf    []byte

	started  time.Time
	attempts []metrics.AttemptMetric

	mu       sync.Mutex
	notFound bool
	err      error
	closed   bool
}

// Stream sends req once, without retries, and returns its body for
// incremental reading. The caller must Close the stream.
func (e *Engine) Stream(ctx context.Context, req *Request) (*Stream, error) {
	req.init()
	if req.engine == nil {
		req.engine = e
	}

	started := false
	req.startOnce.Do(func() { started = true })
	if !started {
		return nil, errors.New("request already started")
	}

	x := &exchange{req: req, started: time.Now()}
	fail := func(err error) (*Stream, error) {
		env := envelope.FromError(e.texts, err)
		if x.lease != nil {
			x.lease.Release()
		}
		e.observe(ctx, req, env, x.attempts, time.Since(x.started))
		req.finish(env)
		e.callback(ctx, x)
		return nil, err
	}

	if x.req.Limiter != nil {
		if err := x.req.Limiter.Acquire(ctx); err != nil {
			return fail(fmt.Errorf("rate limiter: %w", err))
		}
	}
	e.encode(ctx, x)
	if x.env != nil {
		return fail(x.env.Err)
	}

	lease, err := e.pool.Get(ctx, req.SessionKey, session.Options{
		IdleTimeout: req.IdleTimeout,
		Headers:     req.Headers,
		Cookies:     req.Cookies,
		URL:         x.target,
		TLS:         req.TLS,
		Timeout:     req.Timeout,
	})
	if err != nil {
		return fail(err)
	}
	x.lease = lease

	body, err := x.payload.open()
	if err != nil {
		return fail(err)
	}

	// Only the caller's context bounds a stream; the session client timeout
	// would cut long downloads short.
	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, req.Method, x.target.String(), body)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("build request: %w", err))
	}
	for name, values := range lease.Headers {
		httpReq.Header[name] = append([]string(nil), values...)
	}
	if x.payload.contentType != "" {
		httpReq.Header.Set("Content-Type", x.payload.contentType)
	}

	attempt := req.countAttempt()
	start := time.Now()
	client := *lease.Client
	client.Timeout = 0
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	e.observer.OnAttempt(req, attempt, statusOf(resp), err, elapsed)
	if err != nil {
		cancel()
		x.attempts = append(x.attempts, metrics.AttemptMetric{Duration: elapsed, StatusCode: envelope.StatusTransportFailure, Error: err.Error()})
		metrics.ObserveAttempt("transport_error")
		return fail(err)
	}
	metrics.ObserveAttempt("response")
	x.attempts = append(x.attempts, metrics.AttemptMetric{
		Duration:   elapsed,
		StatusCode: resp.StatusCode,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	})

	chunk := e.cfg.ChunkSize
	if chunk <= 0 {
		chunk = 1024
	}

	return &Stream{
		engine:   e,
		req:      req,
		ctx:      streamCtx,
		cancel:   cancel,
		lease:    lease,
		resp:     resp,
		buf:      make([]byte, chunk),
		started:  x.started,
		attempts: x.attempts,
	}, nil
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return envelope.StatusTransportFailure
	}
	return resp.StatusCode
}

// StatusCode returns the response status
func (s *Stream) StatusCode() int {
	return s.resp.StatusCode
}

// Header returns the response headers
func (s *Stream) Header() http.Header {
	return s.resp.Header
}

// Next returns the next chunk of at most ChunkSize bytes, or io.EOF once the
// body is exhausted. A chunk carrying the not-found payload is not returned;
// it turns the stream result into a 404 envelope instead.
func (s *Stream) Next() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	for {
		n, err := io.ReadFull(s.resp.Body, s.buf)
		if n > 0 {
			chunk := append([]byte(nil), s.buf[:n]...)
			if bytes.Contains(chunk, notFoundPayload) {
				s.mu.Lock()
				s.notFound = true
				s.mu.Unlock()
				if err != nil {
					return nil, s.end(err)
				}
				continue
			}
			return chunk, nil
		}
		return nil, s.end(err)
	}
}

// end maps a read error to what Next returns
func (s *Stream) end(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

// Close releases the session, publishes the request result and schedules the
// callback. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	notFound, readErr := s.notFound, s.err
	s.mu.Unlock()

	closeErr := s.resp.Body.Close()
	s.cancel()
	s.lease.Release()

	e := s.engine
	var env *envelope.Envelope
	switch {
	case notFound:
		env = envelope.New(e.texts, http.StatusNotFound, s.resp.Header, nil, nil)
	case readErr != nil:
		env = envelope.FromError(e.texts, readErr)
	default:
		env = envelope.New(e.texts, s.resp.StatusCode, s.resp.Header, nil, nil)
	}

	e.observe(s.ctx, s.req, env, s.attempts, time.Since(s.started))
	s.req.finish(env)
	e.callback(s.ctx, &exchange{req: s.req})
	return closeErr
}

// Result returns the stream envelope once the stream was closed
func (s *Stream) Result() *envelope.Envelope {
	return s.req.Envelope()
}
