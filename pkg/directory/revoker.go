package directory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker records, per identity, the instant before which sessions are void.
type Revoker interface {
	RevokeUser(identity string, since time.Time) error
	RevokedAfter(identity string) (time.Time, error)
}

// MemoryRevoker keeps cutoffs in-memory (single instance only).
type MemoryRevoker struct {
	mu      sync.Mutex
	cutoffs map[string]time.Time
}

// NewMemoryRevoker builds an in-memory revoker.
func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{cutoffs: make(map[string]time.Time)}
}

func (r *MemoryRevoker) RevokeUser(identity string, since time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cutoffs[identity]; ok && prev.After(since) {
		return nil
	}
	r.cutoffs[identity] = since.UTC()
	return nil
}

func (r *MemoryRevoker) RevokedAfter(identity string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[identity], nil
}

// RedisRevoker stores cutoffs in Redis. Entries expire once every session they
// could void has expired anyway.
type RedisRevoker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRevoker builds a Redis-backed revoker; ttl should match the session lifetime.
func NewRedisRevoker(addr, password string, ttl time.Duration) *RedisRevoker {
	return &RedisRevoker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl: ttl,
	}
}

func (r *RedisRevoker) RevokeUser(identity string, since time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, userRevocationKey(identity), strconv.FormatInt(since.UTC().UnixNano(), 10), r.ttl).Err()
}

func (r *RedisRevoker) RevokedAfter(identity string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := r.client.Get(ctx, userRevocationKey(identity)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}

func (r *RedisRevoker) Close() error {
	return r.client.Close()
}

func userRevocationKey(identity string) string {
	return "revoked:identity:" + identity
}
