package sync

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/brandon/mailcore/internal/config"
	"github.com/brandon/mailcore/internal/mailerr"
)

// RetryPolicy holds configuration for retrying a sync attempt
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RateLimitFactor stretches the delay after a rate-limit response
	RateLimitFactor float64
	Jitter          bool
}

// PolicyFromConfig builds the retry policy for the sync engine
func PolicyFromConfig(c config.SyncConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialDelay:    c.InitialBackoff,
		MaxDelay:        c.MaxBackoff,
		BackoffFactor:   2.0,
		RateLimitFactor: 4.0,
		Jitter:          true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.BackoffFactor <= 1.0 {
		p.BackoffFactor = 2.0
	}
	if p.RateLimitFactor < 1.0 {
		p.RateLimitFactor = 1.0
	}
	return p
}

// Do runs fn until it succeeds, fails with an error that is not
// retryable, or runs out of attempts. Authentication and permission
// failures are returned after the first attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error, onRetry func(attempt int, kind mailerr.Kind, delay time.Duration)) error {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := mailerr.Classify(err)
		if attempt == p.MaxAttempts || !mailerr.Retryable(kind) {
			break
		}

		delay := p.Delay(attempt, kind)
		if onRetry != nil {
			onRetry(attempt, kind, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// Delay returns the backoff after the given attempt (1-based)
func (p RetryPolicy) Delay(attempt int, kind mailerr.Kind) time.Duration {
	p = p.normalized()

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if kind == mailerr.KindRateLimited {
		delay *= p.RateLimitFactor
	}
	if p.Jitter {
		delay += rand.Float64() * delay * 0.25
	}
	if math.IsNaN(delay) || math.IsInf(delay, 0) || delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}
