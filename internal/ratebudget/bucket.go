// Package ratebudget implements the priority-aware token bucket that
// governs every outbound REST call (C3). Per-class refill is grounded on
// the teacher's exchange.TokenBucket (continuous refill computed from
// elapsed wall time, blocking Wait(ctx)); borrowing, 429 backoff, and
// metrics are new behavior this spec adds on top of that primitive.
package ratebudget

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a continuously-refilling bucket for one priority class.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second, already headroom-adjusted
	lastTime time.Time
	lastGap  time.Duration // observed refill lag, see refillLocked
}

func newTokenBucket(capacity, ratePerSecond float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// refillLocked adds tokens for the elapsed wall time since the last refill.
// It also tracks scheduler lag: the amount by which the actual gap between
// refills exceeded the nominal one-token interval (1/rate), i.e. how late
// this bucket was serviced relative to its configured rate.
func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastTime)
	if tb.rate > 0 {
		nominal := time.Duration(float64(time.Second) / tb.rate)
		if elapsed > nominal {
			tb.lastGap = elapsed - nominal
		} else {
			tb.lastGap = 0
		}
	}
	tb.tokens += elapsed.Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// tryTake debits cost tokens if available and reports whether it succeeded.
func (tb *tokenBucket) tryTake(cost float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= cost {
		tb.tokens -= cost
		return true
	}
	return false
}

func (tb *tokenBucket) available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

func (tb *tokenBucket) state() (current, max, rate float64, gap time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens, tb.capacity, tb.rate, tb.lastGap
}

// wait blocks until cost tokens are available or ctx is cancelled. Used
// only by queued waiters, never on the hot Allowed path.
func (tb *tokenBucket) wait(ctx context.Context, cost float64) error {
	for {
		tb.mu.Lock()
		tb.refillLocked()
		if tb.tokens >= cost {
			tb.tokens -= cost
			tb.mu.Unlock()
			return nil
		}
		deficit := cost - tb.tokens
		waitFor := time.Duration(deficit / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitFor):
		}
	}
}
