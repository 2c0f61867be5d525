package crawl

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether a failed attempt is retried and how long the
// job waits before becoming eligible again.
type RetryPolicy struct {
	baseDelay        time.Duration
	maxDelay         time.Duration
	rateLimitedDelay time.Duration
	quotaBaseDelay   time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		baseDelay:        500 * time.Millisecond,
		maxDelay:         2 * time.Minute,
		rateLimitedDelay: 30 * time.Second,
		quotaBaseDelay:   5 * time.Minute,
	}
}

// NewRetryPolicyWith overrides the default delays. Zero values keep the
// defaults.
func NewRetryPolicyWith(base, maxDelay, rateLimited, quotaBase time.Duration) *RetryPolicy {
	p := NewRetryPolicy()
	if base > 0 {
		p.baseDelay = base
	}
	if maxDelay > 0 {
		p.maxDelay = maxDelay
	}
	if rateLimited > 0 {
		p.rateLimitedDelay = rateLimited
	}
	if quotaBase > 0 {
		p.quotaBaseDelay = quotaBase
	}
	return p
}

// ShouldRetry reports whether a job that failed with the given kind gets
// another attempt. Attempt budget is checked here, so a retryable kind
// still goes terminal once the budget is spent.
func (p *RetryPolicy) ShouldRetry(job Job, kind ErrorKind) bool {
	if job.AttemptCount >= job.MaxAttempts {
		return false
	}
	switch kind {
	case ErrorKindTransient, ErrorKindRateLimited, ErrorKindQuotaExhausted:
		return true
	default:
		return false
	}
}

// NextDelay computes how long the job waits in retry_wait before attempt
// number attempt (1-based) is allowed to run again.
//
// Transient failures back off exponentially with jitter in [0.5,1.5] of the
// nominal delay, capped at the max delay after jitter is applied.
// Rate-limited failures use a larger fixed delay so the
// provider window can pass. Quota exhaustion escalates linearly from a long
// base since only an external reset clears it.
func (p *RetryPolicy) NextDelay(attempt int, kind ErrorKind) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch kind {
	case ErrorKindRateLimited:
		return p.rateLimitedDelay
	case ErrorKindQuotaExhausted:
		return time.Duration(attempt) * p.quotaBaseDelay
	default:
		nominal := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
		if nominal > float64(p.maxDelay) {
			nominal = float64(p.maxDelay)
		}
		half := time.Duration(nominal / 2)
		return min(half+p.randomJitter(half*2), p.maxDelay)
	}
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
