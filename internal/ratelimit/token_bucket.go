package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket keeps one x/time/rate limiter per key in process memory.
// A bucket holds limit tokens and refills completely over one window.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	every   rate.Limit
	idleTTL time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	return &TokenBucket{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		every:   rate.Every(window / time.Duration(limit)),
		idleTTL: 2 * window,
	}
}

func (t *TokenBucket) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if b, ok := t.buckets[key]; ok {
		b.lastSeen = now
		return b.lim
	}

	lim := rate.NewLimiter(t.every, t.limit)
	t.buckets[key] = &bucket{lim: lim, lastSeen: now}
	return lim
}

func (t *TokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	return t.get(key).Allow(), nil
}

func (t *TokenBucket) Remaining(ctx context.Context, key string) (int, error) {
	tokens := t.get(key).Tokens()
	return max(int(math.Floor(tokens)), 0), nil
}

func (t *TokenBucket) Limit() int {
	return t.limit
}

func (t *TokenBucket) Window() time.Duration {
	return t.window
}

// Returns when the next token becomes available
func (t *TokenBucket) Reset(ctx context.Context, key string) (time.Time, error) {
	tokens := t.get(key).Tokens()
	if tokens >= 1 {
		return time.Now(), nil
	}

	perToken := t.window / time.Duration(t.limit)
	wait := time.Duration((1 - tokens) * float64(perToken))
	return time.Now().Add(wait), nil
}

// Cleanup drops buckets that have not been used for two windows
func (t *TokenBucket) Cleanup() {
	cutoff := time.Now().Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, k)
		}
	}
}

// StartJanitor runs Cleanup every window until ctx is done
func (t *TokenBucket) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(t.window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}
