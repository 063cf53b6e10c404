// Package ratelimit provides the keyed token buckets used to bound error
// publication and Supervisor restart rate, and the semaphore that caps
// Supervisor spawn concurrency. KeyedBucket is a thin wrapper over
// golang.org/x/time/rate, the same rate-limiting library
// r3e-network-service_layer pulls in for its infrastructure/ratelimit
// package; Semaphore is a plain buffered channel.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedBucket tracks one token bucket per key, creating buckets lazily so
// callers don't need to know the full key space up front.
type KeyedBucket struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	capacity int
	window   time.Duration
}

// NewKeyedBucket creates buckets that each allow `capacity` events per
// `window` — e.g. NewKeyedBucket(20, 5*time.Second) for a default error
// publication rate limit.
func NewKeyedBucket(capacity int, window time.Duration) *KeyedBucket {
	return &KeyedBucket{
		limiters: make(map[string]*rate.Limiter),
		capacity: capacity,
		window:   window,
	}
}

// Allow reports whether an event for key may proceed right now, consuming a
// token if so. It never blocks.
func (b *KeyedBucket) Allow(key string) bool {
	return b.limiterFor(key).Allow()
}

func (b *KeyedBucket) limiterFor(key string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(b.capacity) / b.window.Seconds())
		l = rate.NewLimiter(perSecond, b.capacity)
		b.limiters[key] = l
	}
	return l
}

// Semaphore bounds concurrent work to `n` permits, used for the Supervisor's
// spawn-concurrency cap.
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore returns a semaphore with n permits available immediately.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	s := &Semaphore{tokens: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		s.tokens <- struct{}{}
	}
	return s
}

// Acquire blocks until a permit is available.
func (s *Semaphore) Acquire() { <-s.tokens }

// Release returns a permit.
func (s *Semaphore) Release() { s.tokens <- struct{}{} }
