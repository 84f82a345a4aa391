package httpapi

import (
	"sync"
	"time"
)

// bucketIdleEvict is how long an actor's bucket survives without a
// submission before the lazy sweep drops it.
const bucketIdleEvict = 10 * time.Minute

// submitLimiter applies a token bucket per authenticated actor to the
// submission endpoint. Buckets refill at a sustained rate and allow a
// configurable burst, so a device syncing a backlog after time offline
// is not penalized as long as the burst covers it.
type submitLimiter struct {
	mu      sync.Mutex
	rate    float64 // tokens per second
	burst   float64 // bucket capacity
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// newSubmitLimiter returns a limiter enforcing rate submissions per
// second with the given burst. A non-positive rate or burst disables
// limiting and returns nil; callers treat a nil limiter as allow-all.
func newSubmitLimiter(rate float64, burst int) *submitLimiter {
	if rate <= 0 || burst <= 0 {
		return nil
	}
	return &submitLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		sweepAt: time.Now().Add(bucketIdleEvict),
	}
}

// allow spends one token from the actor's bucket. It reports whether
// the submission may proceed and, when it may not, how long the actor
// should wait before the next token accrues.
func (l *submitLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst} // new actors start full
		l.buckets[key] = b
	} else {
		// Refill based on time elapsed since the last submission.
		elapsed := now.Sub(b.lastSeen).Seconds()
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.lastSeen = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}

	wait := time.Duration((1.0 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// sweep drops buckets idle past the eviction window. Caller holds the lock.
func (l *submitLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > bucketIdleEvict {
			delete(l.buckets, key)
		}
	}
	l.sweepAt = now.Add(bucketIdleEvict)
}
