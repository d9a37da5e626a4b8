package rest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/shaneisley/simplerest/pkg/backoff"
	"github.com/shaneisley/simplerest/pkg/envelope"
	"github.com/shaneisley/simplerest/pkg/limiter"
	"github.com/shaneisley/simplerest/pkg/session"
)

// DefaultSessionKey is used by requests that name no session
const DefaultSessionKey = "Base"

// ErrNoEngine is captured when a request built outside an Engine is awaited
var ErrNoEngine = errors.New("request has no engine")

// Request describes one HTTP exchange. Fields are read by the pipeline once
// the request is started and must not be changed afterwards.
type Request struct {
	ID     string
	Method string
	URL    string

	Headers map[string]string
	Cookies map[string]string
	// Body is sent as-is when it is []byte or string and as JSON otherwise
	Body any
	// BodyReader streams an upload. Such a request is never retried.
	BodyReader io.Reader
	// Files are sent as multipart "file" parts
	Files []string

	TLS     *session.TLSConfig
	Timeout time.Duration

	// Retries is how many times a 5xx response is retried
	Retries int
	Backoff backoff.Strategy

	SessionKey  string
	IdleTimeout time.Duration

	// Schema receives the JSON body of a 2xx response when set
	Schema any
	// Callback runs once on the engine's loop after the response is available
	Callback func(ctx context.Context)
	Limiter  limiter.Limiter

	engine *Engine

	initOnce     sync.Once
	startOnce    sync.Once
	callbackOnce sync.Once
	done         chan struct{}
	callbackDone chan struct{}

	mu          sync.Mutex
	result      *envelope.Envelope
	retriesLeft int
	attempts    int
}

func (r *Request) init() {
	r.initOnce.Do(func() {
		r.done = make(chan struct{})
		r.callbackDone = make(chan struct{})
		if r.Method == "" {
			r.Method = "GET"
		}
		if r.SessionKey == "" {
			r.SessionKey = DefaultSessionKey
		}
		if r.Backoff == nil {
			r.Backoff = backoff.NewFixed(0)
		}
		r.retriesLeft = r.Retries
	})
}

// SetRetryDelay makes retries wait a fixed d
func (r *Request) SetRetryDelay(d time.Duration) *Request {
	r.Backoff = backoff.NewFixed(d)
	return r
}

// Done is closed once the result is stored
func (r *Request) Done() <-chan struct{} {
	r.init()
	return r.done
}

// Envelope returns the stored result, or nil while the request is in flight
func (r *Request) Envelope() *envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Result sends the request if it was not sent yet and waits for its envelope
func (r *Request) Result(ctx context.Context) *envelope.Envelope {
	if env := r.Envelope(); env != nil {
		return env
	}
	if r.engine == nil {
		return envelope.FromError(nil, ErrNoEngine)
	}
	return r.engine.Send(ctx, r)
}

// Dump returns Result as a JSON-friendly map
func (r *Request) Dump(ctx context.Context) map[string]any {
	return r.Result(ctx).Dump()
}

// WaitCallback waits until the callback has finished. It returns immediately
// when the request has no callback.
func (r *Request) WaitCallback(ctx context.Context) error {
	if r.Callback == nil {
		return nil
	}
	r.init()
	select {
	case <-r.callbackDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetriesLeft returns the remaining retry budget
func (r *Request) RetriesLeft() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retriesLeft
}

// Attempts returns how many times the request was sent
func (r *Request) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Request) countAttempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.attempts
}

// takeRetry consumes one retry, reporting false when none is left
func (r *Request) takeRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retriesLeft <= 0 {
		return false
	}
	r.retriesLeft--
	return true
}

func (r *Request) finish(env *envelope.Envelope) {
	r.mu.Lock()
	if r.result != nil {
		r.mu.Unlock()
		return
	}
	r.result = env
	r.mu.Unlock()
	close(r.done)
}

func (r *Request) callbackFinished() {
	r.callbackOnce.Do(func() { close(r.callbackDone) })
}
