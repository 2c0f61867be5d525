package ratelimit

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxInFlight: 2})
	require.True(t, l.TryAcquire("acct"))
	require.True(t, l.TryAcquire("acct"))
	require.False(t, l.TryAcquire("acct"))

	l.Release("acct")
	require.True(t, l.TryAcquire("acct"))
}

func TestLimiter_RateCeiling(t *testing.T) {
	t.Parallel()

	// Tiny refill rate: the burst is the only capacity within the test.
	l := New(Config{RequestsPerSecond: 0.001, Burst: 3, MaxInFlight: 100})
	granted := 0
	for range 10 {
		if l.TryAcquire("acct") {
			granted++
		}
	}
	require.Equal(t, 3, granted)
}

func TestLimiter_AccountsIsolated(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxInFlight: 1})
	require.True(t, l.TryAcquire("a"))
	require.True(t, l.TryAcquire("b"))
	require.False(t, l.TryAcquire("a"))
	require.False(t, l.TryAcquire("b"))
}

func TestLimiter_ReleaseWithoutAcquireDoesNotOpenCapacity(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxInFlight: 1})
	l.Release("acct")
	l.Release("acct")
	require.True(t, l.TryAcquire("acct"))
	require.False(t, l.TryAcquire("acct"))
}

// Randomized interleavings of acquire/release must never let in-flight
// exceed the ceiling.
func TestLimiter_RandomizedInterleavings(t *testing.T) {
	t.Parallel()

	const ceiling = 4
	l := New(Config{MaxInFlight: ceiling, RequestsPerSecond: 0, Burst: 1})

	var (
		mu    sync.Mutex
		worst int
	)
	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			held := 0
			for range 500 {
				if rng.Intn(2) == 0 {
					if l.TryAcquire("acct") {
						held++
						mu.Lock()
						if got := l.InFlight("acct"); got > worst {
							worst = got
						}
						mu.Unlock()
					}
				} else if held > 0 {
					l.Release("acct")
					held--
				}
			}
			for held > 0 {
				l.Release("acct")
				held--
			}
		}(int64(g))
	}
	wg.Wait()

	require.LessOrEqual(t, worst, ceiling)
	require.Zero(t, l.InFlight("acct"))
}
