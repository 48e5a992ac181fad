package authkit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleEviction = 10 * time.Minute

// clientLimiter hands out one token bucket per client key.
type clientLimiter struct {
	mutex   sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether key may proceed and, when it may not, how long the
// client should wait. A nil limiter allows everything.
func (limiter *clientLimiter) Allow(key string) (bool, time.Duration) {
	if limiter == nil {
		return true, 0
	}
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	now := limiter.now()
	for bucketKey, entry := range limiter.buckets {
		if now.Sub(entry.lastSeen) > limiterIdleEviction {
			delete(limiter.buckets, bucketKey)
		}
	}
	entry, ok := limiter.buckets[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.buckets[key] = entry
	}
	entry.lastSeen = now
	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// retryAfterSeconds renders delay for a Retry-After header, rounding up.
func retryAfterSeconds(delay time.Duration) string {
	seconds := int64(math.Ceil(delay.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}
