package ratelimit

import (
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/storage"
)

// NewLimiter picks the submission limiter. The fixed window needs redis and
// falls back to the in-process token bucket without it.
func NewLimiter(redis *storage.RedisClient, algorithm string, limit int, window time.Duration) Limiter {
	switch algorithm {
	case "token_bucket":
		return NewTokenBucket(limit, window)
	default: // fixed_window
		if redis == nil {
			return NewTokenBucket(limit, window)
		}
		return NewFixedWindow(redis, limit, window)
	}
}
