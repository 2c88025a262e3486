package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/storage"
	"github.com/redis/go-redis/v9"
)

// PauseStore holds the time until which no LeMUR request may be sent for an
// API key. Every job sharing a key reads the same pause.
type PauseStore interface {
	// PauseUntil moves the pause forward to until. Earlier values are ignored.
	PauseUntil(ctx context.Context, key string, until time.Time) error
	// Until returns the current pause end, zero if none.
	Until(ctx context.Context, key string) (time.Time, error)
}

// Fingerprint turns an API key into the identifier used for pause keys so
// the raw key never lands in a store.
func Fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Wait blocks until the pause recorded for key is over. It returns the time
// spent waiting.
func Wait(ctx context.Context, store PauseStore, key string) (time.Duration, error) {
	if store == nil {
		return 0, ctx.Err()
	}

	var waited time.Duration
	for {
		until, err := store.Until(ctx, key)
		if err != nil {
			return waited, err
		}

		d := time.Until(until)
		if d <= 0 {
			return waited, ctx.Err()
		}

		if err := Sleep(ctx, d); err != nil {
			return waited, err
		}
		waited += d
	}
}

type MemoryPauseStore struct {
	mu     sync.Mutex
	pauses map[string]time.Time
}

func NewMemoryPauseStore() *MemoryPauseStore {
	return &MemoryPauseStore{pauses: make(map[string]time.Time)}
}

func (m *MemoryPauseStore) PauseUntil(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if until.After(m.pauses[key]) {
		m.pauses[key] = until
	}
	return nil
}

func (m *MemoryPauseStore) Until(ctx context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.pauses[key]
	if !ok {
		return time.Time{}, nil
	}
	if !until.After(time.Now()) {
		delete(m.pauses, key)
		return time.Time{}, nil
	}
	return until, nil
}

// extendPause only ever moves the stored deadline forward.
var extendPause = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local target = tonumber(ARGV[1])
if target > current then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// RedisPauseStore shares pauses across processor instances.
type RedisPauseStore struct {
	redis  *storage.RedisClient
	prefix string
}

func NewRedisPauseStore(redis *storage.RedisClient) *RedisPauseStore {
	return &RedisPauseStore{
		redis:  redis,
		prefix: "throttle:pause:",
	}
}

func (r *RedisPauseStore) PauseUntil(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}

	redisKey := r.prefix + key
	_, err := r.redis.Run(ctx, extendPause, []string{redisKey}, until.UnixMilli(), ttl.Milliseconds()+1)
	if err != nil {
		return fmt.Errorf("failed to store pause: %w", err)
	}
	return nil
}

func (r *RedisPauseStore) Until(ctx context.Context, key string) (time.Time, error) {
	val, err := r.redis.Get(ctx, r.prefix+key)
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read pause: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid pause value %q: %w", val, err)
	}
	return time.UnixMilli(ms), nil
}
