package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/simplerest/pkg/config"
	"github.com/shaneisley/simplerest/pkg/envelope"
	"github.com/shaneisley/simplerest/pkg/metrics"
)

func testConfig() *config.Config {
	cfg := config.LoadWithDefaults()
	cfg.Locale = "en"
	cfg.Retries = 2
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts Options) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	e, err := NewEngine(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// statusSequence answers with the given statuses in order, repeating the last one
func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"attempt":` + strconv.Itoa(n) + `}`))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

type recordingObserver struct {
	mu        sync.Mutex
	attempts  []int
	retries   []time.Duration
	completed []*envelope.Envelope
}

func (o *recordingObserver) OnAttempt(_ *Request, _ int, status int, _ error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, status)
}

func (o *recordingObserver) OnRetry(_ *Request, _ int, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, delay)
}

func (o *recordingObserver) OnComplete(_ *Request, env *envelope.Envelope, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, env)
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []*metrics.ExchangeMetrics
	err     error
}

func (r *memoryRecorder) Record(_ context.Context, m *metrics.ExchangeMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, m)
	return r.err
}

func TestSend_JSONSuccess(t *testing.T) {
	// Given a server answering {"a":1}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ok", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"a":1}`))
	}))
	defer server.Close()
	e := newTestEngine(t, nil, Options{})

	// When a GET is sent
	req := e.NewRequest(http.MethodGet, server.URL+"/ok")
	env := e.Send(context.Background(), req)

	// Then the envelope carries the decoded object
	assert.Equal(t, 200, env.StatusCode)
	assert.True(t, env.IsSuccess())
	assert.Empty(t, env.Detail())
	if diff := cmp.Diff(map[string]any{"a": float64(1)}, env.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, req.Attempts())
	assert.Same(t, env, req.Envelope())
}

func TestSend_RetriesServerErrorsThenSucceeds(t *testing.T) {
	// Given a server failing twice with 503
	server, hits := statusSequence(t, 503, 503, 200)
	obs := &recordingObserver{}
	e := newTestEngine(t, nil, Options{Observer: obs})

	// When a request with two retries is sent
	req := e.NewRequest(http.MethodGet, server.URL)
	req.Retries = 2
	env := e.Send(context.Background(), req)

	// Then the third attempt's response is returned
	assert.Equal(t, 200, env.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(hits))
	assert.Equal(t, 3, req.Attempts())
	assert.Equal(t, 0, req.RetriesLeft())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{503, 503, 200}, obs.attempts)
	assert.Len(t, obs.retries, 2)
	assert.Len(t, obs.completed, 1)
}

func TestSend_PersistentServerErrorExhaustsRetries(t *testing.T) {
	// Given a server that always fails with 500
	server, hits := statusSequence(t, 500)
	e := newTestEngine(t, nil, Options{})

	// When a request with N=3 retries is sent
	req := e.NewRequest(http.MethodGet, server.URL)
	req.Retries = 3
	env := e.Send(context.Background(), req)

	// Then N+1 attempts were made and the error envelope embeds the last response
	assert.Equal(t, int32(4), atomic.LoadInt32(hits))
	assert.Equal(t, envelope.StatusTransportFailure, env.StatusCode)
	assert.ErrorIs(t, env.Err, envelope.ErrRetriesExceeded)
	require.NotNil(t, env.LastResponse)
	assert.Equal(t, 500, env.LastResponse.StatusCode)

	last, err := env.Get("last_response", nil)
	require.NoError(t, err)
	assert.Equal(t, 500, last.(map[string]any)["status_code"])
}

func TestSend_ExhaustedRetriesKeepUndecodableLastResponse(t *testing.T) {
	// Given a proxy answering 503 with an HTML page labelled as JSON
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html>busy</html>"))
	}))
	defer server.Close()
	e := newTestEngine(t, nil, Options{})

	// When retries are exhausted
	req := e.NewRequest(http.MethodGet, server.URL)
	req.Retries = 1
	env := e.Send(context.Background(), req)

	// Then the embedded last response is the real 503 with its raw body
	assert.ErrorIs(t, env.Err, envelope.ErrRetriesExceeded)
	require.NotNil(t, env.LastResponse)
	assert.Equal(t, http.StatusServiceUnavailable, env.LastResponse.StatusCode)
	assert.Equal(t, []byte("<html>busy</html>"), env.LastResponse.Data)
}

func TestSend_ZeroRetriesSingleAttempt(t *testing.T) {
	server, hits := statusSequence(t, 502)
	e := newTestEngine(t, nil, Options{})

	req := e.NewRequest(http.MethodGet, server.URL)
	req.Retries = 0
	env := e.Send(context.Background(), req)

	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.ErrorIs(t, env.Err, envelope.ErrRetriesExceeded)
}

func TestSend_TransportErrorIsNotRetried(t *testing.T) {
	// Given an address nothing listens on
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()
	e := newTestEngine(t, nil, Options{})

	// When a request with retries is sent
	req := e.NewRequest(http.MethodGet, addr)
	req.Retries = 5
	env := e.Send(context.Background(), req)

	// Then a single attempt produced a transport failure
	assert.Equal(t, envelope.StatusTransportFailure, env.StatusCode)
	assert.True(t, env.IsTransportFailure())
	assert.Error(t, env.Err)
	assert.NotErrorIs(t, env.Err, envelope.ErrRetriesExceeded)
	assert.Equal(t, 1, req.Attempts())
	assert.Equal(t, 5, req.RetriesLeft())
	assert.Contains(t, env.Detail(), "Unknown error")
}

func TestSend_ClientErrorIsNotRetried(t *testing.T) {
	server, hits := statusSequence(t, 404)
	e := newTestEngine(t, nil, Options{})

	req := e.NewRequest(http.MethodGet, server.URL)
	env := e.Send(context.Background(), req)

	assert.Equal(t, 404, env.StatusCode)
	assert.False(t, env.IsSuccess())
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Equal(t, "Not found: the requested resource does not exist", env.Detail())
}

func TestSend_HonoursRetryDelay(t *testing.T) {
	server, _ := statusSequence(t, 503, 200)
	e := newTestEngine(t, nil, Options{})

	req := e.NewRequest(http.MethodGet, server.URL).SetRetryDelay(50 * time.Millisecond)
	start := time.Now()
	env := e.Send(context.Background(), req)

	assert.Equal(t, 200, env.StatusCode)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSend_RespectsRetryAfter(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.RespectRetryAfter = true
	cfg.MaxRetryDelay = 100 * time.Millisecond
	obs := &recordingObserver{}
	e := newTestEngine(t, cfg, Options{Observer: obs})

	env := e.Send(context.Background(), e.NewRequest(http.MethodGet, server.URL))

	assert.Equal(t, 200, env.StatusCode)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, obs.retries)
}

func TestSend_JSONBodyAndHeaders(t *testing.T) {
	// Given a server echoing the request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"content_type": r.Header.Get("Content-Type"),
			"token":        r.Header.Get("X-Token"),
			"body":         string(body),
		})
	}))
	defer server.Close()
	e := newTestEngine(t, nil, Options{})

	// When a structured body is posted with a header
	req := e.NewRequest(http.MethodPost, server.URL)
	req.Headers = map[string]string{"X-Token": "secret"}
	req.Body = map[string]int{"n": 7}
	env := e.Send(context.Background(), req)

	// Then it arrives as JSON with the header
	want := map[string]any{
		"content_type": "application/json",
		"token":        "secret",
		"body":         `{"n":7}`,
	}
	if diff := cmp.Diff(want, env.Data); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_SessionHeadersAreNotOverwritten(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Client"))
		mu.Unlock()
	}))
	defer server.Close()
	e := newTestEngine(t, nil, Options{})

	first := e.NewRequest(http.MethodGet, server.URL)
	first.SessionKey = "shared"
	first.Headers = map[string]string{"X-Client": "one"}
	e.Send(context.Background(), first)

	second := e.NewRequest(http.MethodGet, server.URL)
	second.SessionKey = "shared"
	second.Headers = map[string]string{"X-Client": "two"}
	e.Send(context.Background(), second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "one"}, seen)
}

func TestSend_Multipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, _ := io.ReadAll(file)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"name":    header.Filename,
			"type":    header.Header.Get("Content-Type"),
			"content": string(content),
			"field":   r.FormValue("kind"),
		})
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"x":1}`), 0644))
	e := newTestEngine(t, nil, Options{})

	req := e.NewRequest(http.MethodPost, server.URL)
	req.Files = []string{path}
	req.Body = map[string]string{"kind": "daily"}
	env := e.Send(context.Background(), req)

	require.Equal(t, 200, env.StatusCode)
	data := env.Data.(map[string]any)
	assert.Equal(t, "report.json", data["name"])
	assert.Equal(t, "application/json", data["type"])
	assert.Equal(t, `{"x":1}`, data["content"])
	assert.Equal(t, "daily", data["field"])
}

func TestSend_StreamedUploadIsNotRetried(t *testing.T) {
	var received []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))
	body, err := FileBody(path)
	require.NoError(t, err)

	e := newTestEngine(t, nil, Options{})
	req := e.NewRequest(http.MethodPut, server.URL)
	req.BodyReader = body
	req.Retries = 3
	env := e.Send(context.Background(), req)

	assert.ErrorIs(t, env.Err, envelope.ErrRetriesExceeded)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"payload"}, received)
}

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (i *item) Validate() error {
	if i.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestSend_Schema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"bolt","count":3}`))
	}))
	defer server.Close()
	e := newTestEngine(t, nil, Options{})

	req := e.NewRequest(http.MethodGet, server.URL)
	req.Schema = &item{}
	env := e.Send(context.Background(), req)

	got, err := envelope.As[*item](env)
	require.NoError(t, err)
	assert.Equal(t, &item{Name: "bolt", Count: 3}, got)
}

func TestSend_CallbackRunsExactlyOnce(t *testing.T) {
	server, _ := statusSequence(t, 503, 200)
	e := newTestEngine(t, nil, Options{})

	var calls int32
	req := e.NewRequest(http.MethodGet, server.URL)
	req.Callback = func(ctx context.Context) { atomic.AddInt32(&calls, 1) }

	env := e.Send(context.Background(), req)
	require.Equal(t, 200, env.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, req.WaitCallback(ctx))

	// A second Send does not resend nor re-run the callback
	again := e.Send(context.Background(), req)
	assert.Same(t, env, again)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, req.Attempts())
}

func TestSend_CallbackPanicIsContained(t *testing.T) {
	server, _ := statusSequence(t, 200)
	e := newTestEngine(t, nil, Options{})

	req := e.NewRequest(http.MethodGet, server.URL)
	req.Callback = func(ctx context.Context) { panic("callback failed") }
	e.Send(context.Background(), req)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, req.WaitCallback(ctx))
}

func TestSend_LimiterAdmission(t *testing.T) {
	// Given a limiter of capacity one that is only refreshed by hand
	server, hits := statusSequence(t, 200)
	cfg := testConfig()
	cfg.RequestLimit = 1
	cfg.RequestLimitPeriod = time.Hour
	e := newTestEngine(t, cfg, Options{})
	lim, err := e.NewLimiter()
	require.NoError(t, err)

	first := e.NewRequest(http.MethodGet, server.URL)
	first.Limiter = lim
	require.Equal(t, 200, e.Send(context.Background(), first).StatusCode)

	// When a second limited request starts
	second := e.NewRequest(http.MethodGet, server.URL)
	second.Limiter = lim
	require.NoError(t, e.Start(context.Background(), second))

	// Then it waits for the refresh
	select {
	case <-second.Done():
		t.Fatal("second request was admitted before refresh")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	lim.Refresh()
	select {
	case <-second.Done():
	case <-time.After(time.Second):
		t.Fatal("second request never admitted")
	}
	assert.Equal(t, 200, second.Envelope().StatusCode)
}

func TestSend_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)
	e := newTestEngine(t, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req := e.NewRequest(http.MethodGet, server.URL)
	env := e.Send(ctx, req)

	assert.Equal(t, envelope.StatusTransportFailure, env.StatusCode)
	assert.ErrorIs(t, env.Err, context.DeadlineExceeded)

	select {
	case <-req.Done():
		assert.True(t, req.Envelope().IsTransportFailure())
	case <-time.After(time.Second):
		t.Fatal("cancelled request never completed")
	}
}

func TestSend_ObserverAndRecorder(t *testing.T) {
	server, _ := statusSequence(t, 500, 201)
	rec := &memoryRecorder{err: errors.New("disk full")}
	obs := &recordingObserver{}
	e := newTestEngine(t, nil, Options{Observer: obs, Recorder: rec})

	req := e.NewRequest(http.MethodPost, server.URL)
	req.SessionKey = "orders"
	env := e.Send(context.Background(), req)

	require.Equal(t, 201, env.StatusCode)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 1)
	m := rec.records[0]
	assert.Equal(t, req.ID, m.RequestID)
	assert.Equal(t, "orders", m.SessionKey)
	assert.Equal(t, "succeeded", m.FinalStatus)
	assert.Equal(t, 2, m.TotalAttempts)
	assert.Equal(t, 1, m.FailedAttempts)
}

func TestMultiRecorder(t *testing.T) {
	// Given two recorders, one failing
	ok := &memoryRecorder{}
	failing := &memoryRecorder{err: errors.New("disk full")}
	rs := MultiRecorder{failing, ok}

	// When recording
	m := metrics.NewExchangeMetrics("id", "GET", "http://x", DefaultSessionKey, 200, time.Second, nil)
	err := rs.Record(context.Background(), m)

	// Then both received the record and the failure is reported
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.records, 1)
	assert.Len(t, failing.records, 1)
}

func TestRequest_ResultSendsOnce(t *testing.T) {
	server, hits := statusSequence(t, 200)
	e := newTestEngine(t, nil, Options{})

	req := e.NewRequest(http.MethodGet, server.URL)
	first := req.Result(context.Background())
	second := req.Result(context.Background())

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	dump := req.Dump(context.Background())
	assert.Equal(t, 200, dump["status_code"])
	assert.Nil(t, dump["detail"])
}

func TestRequest_WithoutEngine(t *testing.T) {
	req := &Request{URL: "http://example.invalid"}

	env := req.Result(context.Background())

	assert.ErrorIs(t, env.Err, ErrNoEngine)
}

func TestSend_InvalidURL(t *testing.T) {
	e := newTestEngine(t, nil, Options{})

	env := e.Send(context.Background(), e.NewRequest(http.MethodGet, "://bad"))

	assert.True(t, env.IsTransportFailure())
	assert.Contains(t, env.Err.Error(), "parse url")
}

func TestSend_TextBodyUsesEncoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain text"))
	}))
	defer server.Close()
	e := newTestEngine(t, nil, Options{})

	env := e.Send(context.Background(), e.NewRequest(http.MethodGet, server.URL))

	assert.Equal(t, "plain text", env.Data)
	assert.True(t, strings.HasPrefix(env.String(), "status=200"))
}
