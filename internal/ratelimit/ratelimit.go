// Package ratelimit provides the per-client token bucket guarding the
// HTTP gateway. A runaway agent loop or a misbehaving session client
// can only drain its own bucket; every other caller keeps its quota.
// Buckets refill lazily on each Allow call, no background goroutine.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited means the caller's bucket is empty. The gateway maps
// it to 429.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config sets the refill rate and bucket capacity.
type Config struct {
	RequestsPerMinute int // Tokens refilled per minute. 0 disables limiting.
	BurstSize         int // Bucket capacity. 0 defaults to RequestsPerMinute.
}

// Limiter hands out tokens per client id, where a client is an API key
// or, with auth disabled, a remote address.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // bucket capacity
}

type bucket struct {
	tokens   float64
	refilled time.Time // last refill instant
}

// refill credits tokens for the time elapsed since the last refill,
// capped at the bucket capacity.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.tokens += now.Sub(b.refilled).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.refilled = now
}

// NewLimiter creates a rate limiter with the given configuration.
// With RequestsPerMinute zero, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow consumes one token for the client, creating a full bucket on
// first sight. Returns ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[clientID]
	if !ok {
		b = &bucket{tokens: l.burst, refilled: now}
		l.clients[clientID] = b
	}
	b.refill(now, l.rate, l.burst)

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
