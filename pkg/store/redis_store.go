package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace scopes local records when no namespace is configured.
const DefaultNamespace = "gamedo-offline"

// RedisStore keeps each collection in a Redis hash under the namespace.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to Redis and provisions the namespace schema marker.
// Opening an already provisioned namespace is a no-op.
func NewRedisStore(addr, password, namespace string) (*RedisStore, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	s := &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		namespace: namespace,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.HSetNX(ctx, s.schemaKey(), "version", SchemaVersion).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("provision local store: %w", err)
	}
	return s, nil
}

func (s *RedisStore) Put(ctx context.Context, c Collection, key string, value any) error {
	if err := validCollection(c); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.client.HSet(ctx, s.collectionKey(c), key, data).Err()
}

func (s *RedisStore) Get(ctx context.Context, c Collection, key string, out any) (bool, error) {
	if err := validCollection(c); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	data, err := s.client.HGet(ctx, s.collectionKey(c), key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, decodeInto(data, out)
}

func (s *RedisStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	if err := validCollection(c); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	values, err := s.client.HGetAll(ctx, s.collectionKey(c)).Result()
	if err != nil {
		return nil, err
	}
	res := make([]Record, 0, len(values))
	for key, data := range values {
		res = append(res, Record{Key: key, Data: []byte(data)})
	}
	return res, nil
}

func (s *RedisStore) Delete(ctx context.Context, c Collection, key string) error {
	if err := validCollection(c); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.client.HDel(ctx, s.collectionKey(c), key).Err()
}

func (s *RedisStore) Clear(ctx context.Context, c Collection) error {
	if err := validCollection(c); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.client.Del(ctx, s.collectionKey(c)).Err()
}

// Append reserves the id with INCR before writing, so ids stay unique even when
// two appends race.
func (s *RedisStore) Append(ctx context.Context, c Collection, build func(id int64) any) (int64, error) {
	if err := validCollection(c); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	id, err := s.client.Incr(ctx, s.sequenceKey(c)).Result()
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", c, err)
	}
	data, err := encode(build(id))
	if err != nil {
		return 0, err
	}
	if err := s.client.HSet(ctx, s.collectionKey(c), AppendKey(id), data).Err(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *RedisStore) ClearAll(ctx context.Context) error {
	keys := make([]string, 0, len(Collections))
	for _, c := range Collections {
		keys = append(keys, s.collectionKey(c))
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) schemaKey() string {
	return s.namespace + ":schema"
}

func (s *RedisStore) collectionKey(c Collection) string {
	return s.namespace + ":" + string(c)
}

func (s *RedisStore) sequenceKey(c Collection) string {
	return s.namespace + ":" + string(c) + ":seq"
}
