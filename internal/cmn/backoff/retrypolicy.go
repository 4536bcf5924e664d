package backoff

import (
	"errors"
	"math"
	"time"
)

// ErrRetriesExhausted is returned when no further retry is allowed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy computes the wait before the next attempt of a task.
// attempt is zero-based: 0 is the wait before the first retry.
type RetryPolicy interface {
	ComputeNextInterval(attempt int) (time.Duration, error)
}

const (
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 24 * time.Hour
)

// ExponentialBackoffPolicy doubles (by BackoffFactor) the interval after
// each attempt, capped at MaxInterval.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration `json:"initialInterval,omitempty"`
	BackoffFactor   float64       `json:"backoffFactor,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
	// MaxRetries of 0 means unlimited.
	MaxRetries int `json:"maxRetries,omitempty"`
}

func NewExponentialBackoffPolicy(initial, maxInterval time.Duration) *ExponentialBackoffPolicy {
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}
	return &ExponentialBackoffPolicy{
		InitialInterval: initial,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     maxInterval,
	}
}

func (p *ExponentialBackoffPolicy) ComputeNextInterval(attempt int) (time.Duration, error) {
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = defaultBackoffFactor
	}
	interval := float64(p.InitialInterval) * math.Pow(factor, float64(max(attempt, 0)))
	if p.MaxInterval > 0 && interval > float64(p.MaxInterval) {
		return p.MaxInterval, nil
	}
	return time.Duration(interval), nil
}

// ConstantBackoffPolicy waits the same interval before every retry.
type ConstantBackoffPolicy struct {
	Interval   time.Duration `json:"interval,omitempty"`
	MaxRetries int           `json:"maxRetries,omitempty"`
}

func NewConstantBackoffPolicy(interval time.Duration) *ConstantBackoffPolicy {
	return &ConstantBackoffPolicy{Interval: interval}
}

func (p *ConstantBackoffPolicy) ComputeNextInterval(attempt int) (time.Duration, error) {
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}
