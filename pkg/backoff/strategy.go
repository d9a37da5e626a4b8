// Package backoff computes how long the retry pipeline waits between attempts.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy returns the wait before a retry. attempt is 1 for the first retry.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Kind names a strategy in configuration
type Kind string

const (
	KindFixed       Kind = "fixed"
	KindExponential Kind = "exponential"
	KindJitter      Kind = "jitter"
	KindPolynomial  Kind = "polynomial"
)

// New builds the strategy named by kind. multiplier is the growth factor for
// exponential and jitter, and the exponent for polynomial.
func New(kind Kind, base time.Duration, multiplier float64, maxDelay time.Duration) (Strategy, error) {
	if base < 0 {
		return nil, fmt.Errorf("base delay must be non-negative, got %v", base)
	}
	if maxDelay < 0 {
		return nil, fmt.Errorf("max delay must be non-negative, got %v", maxDelay)
	}

	switch kind {
	case "", KindFixed:
		return NewFixed(base), nil
	case KindExponential:
		if multiplier < 1 {
			return nil, fmt.Errorf("exponential multiplier must be at least 1, got %v", multiplier)
		}
		return NewExponential(base, multiplier, maxDelay), nil
	case KindJitter:
		if multiplier < 1 {
			return nil, fmt.Errorf("jitter multiplier must be at least 1, got %v", multiplier)
		}
		return NewJitter(base, multiplier, maxDelay), nil
	case KindPolynomial:
		if multiplier < 0 {
			return nil, fmt.Errorf("exponent must be non-negative, got %v", multiplier)
		}
		return NewPolynomial(base, multiplier, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", kind)
	}
}

// Fixed waits the same duration before every retry. A zero duration retries
// back to back.
type Fixed struct {
	Duration time.Duration
}

// NewFixed creates a Fixed strategy
func NewFixed(duration time.Duration) *Fixed {
	return &Fixed{Duration: duration}
}

// Delay returns the fixed duration
func (f *Fixed) Delay(int) time.Duration {
	return f.Duration
}

// Exponential waits base * multiplier^(attempt-1), capped at MaxDelay when set
type Exponential struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewExponential creates an Exponential strategy; maxDelay 0 means no cap
func NewExponential(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	return &Exponential{
		BaseDelay:  baseDelay,
		Multiplier: multiplier,
		MaxDelay:   maxDelay,
	}
}

// Delay returns the capped exponential delay
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return e.BaseDelay
	}
	return capped(float64(e.BaseDelay)*math.Pow(e.Multiplier, float64(attempt-1)), e.MaxDelay)
}

// Jitter picks a uniformly random delay between zero and the exponential delay
type Jitter struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewJitter creates a full-jitter strategy; maxDelay 0 means no cap
func NewJitter(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *Jitter {
	return &Jitter{
		BaseDelay:  baseDelay,
		Multiplier: multiplier,
		MaxDelay:   maxDelay,
	}
}

// Delay returns a random delay in [0, exponential delay)
func (j *Jitter) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	ceiling := capped(float64(j.BaseDelay)*math.Pow(j.Multiplier, float64(attempt-1)), j.MaxDelay)
	return time.Duration(rand.Float64() * float64(ceiling))
}

// Polynomial waits base * attempt^Exponent, capped at MaxDelay when set
type Polynomial struct {
	BaseDelay time.Duration
	Exponent  float64
	MaxDelay  time.Duration
}

// NewPolynomial creates a Polynomial strategy; maxDelay 0 means no cap
func NewPolynomial(baseDelay time.Duration, exponent float64, maxDelay time.Duration) *Polynomial {
	return &Polynomial{
		BaseDelay: baseDelay,
		Exponent:  exponent,
		MaxDelay:  maxDelay,
	}
}

// Delay returns the capped polynomial delay
func (p *Polynomial) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}
	return capped(float64(p.BaseDelay)*math.Pow(float64(attempt), p.Exponent), p.MaxDelay)
}

func (p *Polynomial) String() string {
	return fmt.Sprintf("polynomial(base=%v, exponent=%.1f, max=%v)", p.BaseDelay, p.Exponent, p.MaxDelay)
}

func capped(delay float64, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && delay > float64(maxDelay) {
		return maxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
