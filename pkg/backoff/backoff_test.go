package backoff

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixed_Delay(t *testing.T) {
	// Given a fixed strategy of 100ms
	fixed := NewFixed(100 * time.Millisecond)

	// Then every attempt waits the same
	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, 100*time.Millisecond, fixed.Delay(attempt))
	}
}

func TestFixed_ZeroRetriesBackToBack(t *testing.T) {
	assert.Equal(t, time.Duration(0), NewFixed(0).Delay(5))
}

func TestExponential_Delay(t *testing.T) {
	tests := []struct {
		name     string
		strategy *Exponential
		want     []time.Duration
	}{
		{
			name:     "doubling",
			strategy: NewExponential(100*time.Millisecond, 2.0, 0),
			want:     []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond},
		},
		{
			name:     "capped",
			strategy: NewExponential(100*time.Millisecond, 2.0, 300*time.Millisecond),
			want:     []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond},
		},
		{
			name:     "tripling",
			strategy: NewExponential(10*time.Millisecond, 3.0, 0),
			want:     []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 90 * time.Millisecond, 270 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, tt.strategy.Delay(i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestExponential_NonPositiveAttempt(t *testing.T) {
	e := NewExponential(50*time.Millisecond, 2.0, 0)
	assert.Equal(t, 50*time.Millisecond, e.Delay(0))
	assert.Equal(t, 50*time.Millisecond, e.Delay(-1))
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	// Given a jitter strategy capped at 300ms
	j := NewJitter(100*time.Millisecond, 2.0, 300*time.Millisecond)

	// When many delays are drawn
	for i := 0; i < 200; i++ {
		attempt := i%5 + 1
		d := j.Delay(attempt)

		// Then each lies in [0, min(exponential, cap))
		ceiling := NewExponential(100*time.Millisecond, 2.0, 300*time.Millisecond).Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, ceiling+1)
	}
}

func TestPolynomial_Delay(t *testing.T) {
	p := NewPolynomial(10*time.Millisecond, 2.0, 500*time.Millisecond)

	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 40*time.Millisecond, p.Delay(2))
	assert.Equal(t, 90*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(100))
	assert.Equal(t, "polynomial(base=10ms, exponent=2.0, max=500ms)", p.String())
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    Kind
		want    Strategy
		wantErr string
	}{
		{kind: "", want: NewFixed(time.Second)},
		{kind: KindFixed, want: NewFixed(time.Second)},
		{kind: KindExponential, want: NewExponential(time.Second, 2, time.Minute)},
		{kind: KindJitter, want: NewJitter(time.Second, 2, time.Minute)},
		{kind: KindPolynomial, want: NewPolynomial(time.Second, 2, time.Minute)},
		{kind: "fibonacci", wantErr: "unknown backoff strategy"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := New(tt.kind, time.Second, 2, time.Minute)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_RejectsBadParameters(t *testing.T) {
	_, err := New(KindExponential, time.Second, 0.5, 0)
	assert.Error(t, err)

	_, err = New(KindFixed, -time.Second, 1, 0)
	assert.Error(t, err)

	_, err = New(KindPolynomial, time.Second, -1, 0)
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		headers http.Header
		want    time.Duration
	}{
		{"none", http.Header{}, 0},
		{"nil", nil, 0},
		{"seconds", http.Header{"Retry-After": {"3"}}, 3 * time.Second},
		{"http date", http.Header{"Retry-After": {now.Add(90 * time.Second).Format(http.TimeFormat)}}, 90 * time.Second},
		{"past date", http.Header{"Retry-After": {now.Add(-time.Minute).Format(http.TimeFormat)}}, 0},
		{"garbage", http.Header{"Retry-After": {"soon"}}, 0},
		{"rate limit retry", http.Header{"X-Ratelimit-Retry-After": {"7"}}, 7 * time.Second},
		{"rate limit reset", http.Header{"X-Ratelimit-Reset": {strconv.FormatInt(now.Add(5*time.Second).Unix(), 10)}}, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryAfter(tt.headers, now))
		})
	}
}

func TestHTTPAware_DelayFor(t *testing.T) {
	// Given an HTTP-aware strategy over a 50ms fixed fallback, capping hints at 2s
	h := NewHTTPAware(NewFixed(50*time.Millisecond), 2*time.Second)

	// Then hints win, are capped, and the fallback is used without a hint
	assert.Equal(t, time.Second, h.DelayFor(1, http.Header{"Retry-After": {"1"}}))
	assert.Equal(t, 2*time.Second, h.DelayFor(1, http.Header{"Retry-After": {"60"}}))
	assert.Equal(t, 50*time.Millisecond, h.DelayFor(1, http.Header{}))
	assert.Equal(t, 50*time.Millisecond, h.Delay(3))
}

func TestDelayFor_PlainStrategyIgnoresHeaders(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, DelayFor(NewFixed(10*time.Millisecond), 1, http.Header{"Retry-After": {"5"}}))
	assert.Equal(t, 5*time.Second, DelayFor(NewHTTPAware(nil, 0), 1, http.Header{"Retry-After": {"5"}}))
}
