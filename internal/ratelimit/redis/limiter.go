// Package redis implements a shared rate budget backed by Redis, for
// deployments running more than one orchestrator process against the same
// provider account.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per minute window and concurrent in-flight calls
// in Redis so every process draws from the same budget. Window counters are
// plain INCR keys with a TTL; in-flight is an INCR/DECR pair.
//
// The limiter fails closed: if Redis is unreachable, TryAcquire returns
// false and the job is requeued rather than risking a provider overrun.
type Limiter struct {
	client       *redis.Client
	maxPerMinute int
	maxInFlight  int
	opTimeout    time.Duration
}

// Config holds the shared budget ceilings.
type Config struct {
	MaxPerMinute int
	MaxInFlight  int
}

// New creates a Limiter on top of an existing Redis client.
func New(client *redis.Client, cfg Config) *Limiter {
	maxPerMinute := cfg.MaxPerMinute
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Limiter{
		client:       client,
		maxPerMinute: maxPerMinute,
		maxInFlight:  maxInFlight,
		opTimeout:    500 * time.Millisecond,
	}
}

func minuteWindow(now time.Time) int64 {
	return now.Unix() / 60
}

func windowKey(account string, now time.Time) string {
	return fmt.Sprintf("ratebudget:%s:window:%d", account, minuteWindow(now))
}

func inFlightKey(account string) string {
	return fmt.Sprintf("ratebudget:%s:inflight", account)
}

// TryAcquire reserves one slot for the account, charging both the window
// counter and the in-flight counter. Never blocks beyond the short Redis
// op timeout.
func (l *Limiter) TryAcquire(account string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.opTimeout)
	defer cancel()

	inFly, err := l.client.Incr(ctx, inFlightKey(account)).Result()
	if err != nil {
		return false
	}
	if int(inFly) > l.maxInFlight {
		l.client.Decr(ctx, inFlightKey(account))
		return false
	}

	now := time.Now()
	key := windowKey(account, now)
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.client.Decr(ctx, inFlightKey(account))
		return false
	}
	if cnt == 1 {
		// First hit in this window: bound the counter's lifetime.
		_ = l.client.Expire(ctx, key, 2*time.Minute).Err()
	}
	if int(cnt) > l.maxPerMinute {
		l.client.Decr(ctx, inFlightKey(account))
		return false
	}
	return true
}

// Release returns an in-flight slot. The window charge is intentionally
// not refunded; the request already counted against throughput.
func (l *Limiter) Release(account string) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opTimeout)
	defer cancel()
	val, err := l.client.Decr(ctx, inFlightKey(account)).Result()
	if err == nil && val < 0 {
		// Clamp after a stray release so capacity cannot grow.
		l.client.Incr(ctx, inFlightKey(account))
	}
}
