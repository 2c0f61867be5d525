// Package ratelimit enforces the provider's concurrency and throughput
// ceilings.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter tracks a budget per provider account: a token bucket for request
// rate and a counter for concurrent in-flight calls. TryAcquire is
// non-blocking; a false return means the caller must requeue the job
// rather than spin-wait, keeping the scheduler loop bounded-time.
type Limiter struct {
	mu       sync.Mutex
	budgets  map[string]*budget
	rps      rate.Limit
	burst    int
	maxInFly int
}

type budget struct {
	bucket   *rate.Limiter
	inFlight int
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxInFlight       int
}

// New creates a Limiter. A non-positive rate means unlimited throughput; a
// non-positive MaxInFlight defaults to 1.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxInFly := cfg.MaxInFlight
	if maxInFly <= 0 {
		maxInFly = 1
	}
	return &Limiter{
		budgets:  make(map[string]*budget),
		rps:      r,
		burst:    burst,
		maxInFly: maxInFly,
	}
}

// TryAcquire reserves one slot for the account. It returns false without
// blocking when either the concurrency ceiling or the rate ceiling would
// be exceeded.
func (l *Limiter) TryAcquire(account string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.budget(account)
	if b.inFlight >= l.maxInFly {
		return false
	}
	if !b.bucket.Allow() {
		return false
	}
	b.inFlight++
	return true
}

// Release returns a slot previously handed out by TryAcquire. Calling it
// without a matching acquire is a bug; the counter is clamped at zero so a
// double release cannot open extra capacity.
func (l *Limiter) Release(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.budget(account)
	if b.inFlight > 0 {
		b.inFlight--
	}
}

// InFlight reports the current in-flight count for the account.
func (l *Limiter) InFlight(account string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget(account).inFlight
}

func (l *Limiter) budget(account string) *budget {
	b, ok := l.budgets[account]
	if !ok {
		b = &budget{bucket: rate.NewLimiter(l.rps, l.burst)}
		l.budgets[account] = b
	}
	return b
}
