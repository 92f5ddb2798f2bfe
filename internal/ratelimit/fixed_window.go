package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether key may make another request in the current window.
// retryAfter is how long until the window resets when the answer is no.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration)
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter is a fixed-window limiter shared by every server instance.
type RedisLimiter struct {
	limit  int
	window time.Duration
	prefix string
	client *redis.Client
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter allowing limit calls per window.
func NewRedisLimiter(addr, password, prefix string, limit int, window time.Duration) (*RedisLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "gamedo:ratelimit"
	}
	return &RedisLimiter{
		limit:  limit,
		window: window,
		prefix: prefix,
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		now:    time.Now,
	}, nil
}

// Allow fails closed when Redis is unreachable.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	windowMs := l.window.Milliseconds()
	nowMs := l.now().UTC().UnixMilli()
	slot := nowMs / windowMs
	retryAfter := time.Duration((slot+1)*windowMs-nowMs) * time.Millisecond

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false, retryAfter
	}
	if count > int64(l.limit) {
		return false, retryAfter
	}
	return true, 0
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// MemoryLimiter is a single-process fixed-window limiter.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	slot   int64
	counts map[string]int
}

func NewMemoryLimiter(limit int, window time.Duration) (*MemoryLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, counts: make(map[string]int)}, nil
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	windowMs := l.window.Milliseconds()
	nowMs := l.now().UTC().UnixMilli()
	slot := nowMs / windowMs
	retryAfter := time.Duration((slot+1)*windowMs-nowMs) * time.Millisecond

	l.mu.Lock()
	defer l.mu.Unlock()
	if slot != l.slot {
		l.slot = slot
		clear(l.counts)
	}
	key = normalizeKey(key)
	if l.counts[key] >= l.limit {
		return false, retryAfter
	}
	l.counts[key]++
	return true, 0
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
