package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTooManyStreams is returned when a user already has the maximum number
// of concurrent streams open.
var ErrTooManyStreams = errors.New("too many concurrent streams")

// StreamLimiter bounds concurrent streams per user. Acquire returns a
// release func that must be called exactly once when the stream ends.
type StreamLimiter interface {
	Acquire(ctx context.Context, userID string) (func(), error)
}

// NewStreamLimiter returns a Redis-backed limiter when redisURL is set (for
// multi-instance deployments), otherwise an in-process one.
func NewStreamLimiter(redisURL string, maxPerUser int) StreamLimiter {
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Printf("⚠️  [LIMITER] Invalid REDIS_URL (%v), falling back to in-memory limiter", err)
		} else {
			log.Printf("✅ [LIMITER] Using Redis stream limiter (%s)", opts.Addr)
			return &redisLimiter{
				client: redis.NewClient(opts),
				max:    maxPerUser,
			}
		}
	}
	return &memoryLimiter{
		counts: make(map[string]int),
		max:    maxPerUser,
	}
}

type memoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func (l *memoryLimiter) Acquire(_ context.Context, userID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[userID] >= l.max {
		return nil, ErrTooManyStreams
	}
	l.counts[userID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.counts[userID] > 0 {
				l.counts[userID]--
			}
			if l.counts[userID] == 0 {
				delete(l.counts, userID)
			}
		})
	}, nil
}

type redisLimiter struct {
	client *redis.Client
	max    int
}

// slotTTL caps how long a leaked slot (crashed instance, missed release)
// can block a user.
const slotTTL = 15 * time.Minute

func (l *redisLimiter) key(userID string) string {
	return fmt.Sprintf("jobpilot:streams:%s", userID)
}

func (l *redisLimiter) Acquire(ctx context.Context, userID string) (func(), error) {
	key := l.key(userID)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("stream limiter unavailable: %w", err)
	}
	l.client.Expire(ctx, key, slotTTL)

	if count > int64(l.max) {
		l.client.Decr(ctx, key)
		return nil, ErrTooManyStreams
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.client.Decr(releaseCtx, key).Err(); err != nil {
				log.Printf("⚠️  [LIMITER] Failed to release stream slot for %s: %v", userID, err)
			}
		})
	}, nil
}
