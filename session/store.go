package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
)

// Store persists serialized session payloads by id. Load returns nil with no
// error when the session does not exist or has expired.
type Store interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, data []byte) error
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process memory. Suitable for a single
// instance only.
type MemoryStore struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryStore creates a store whose entries expire after ttl of inactivity.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	c := ttlcache.New(
		ttlcache.WithTTL[string, []byte](ttl),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &MemoryStore{cache: c}
}

func (m *MemoryStore) Load(_ context.Context, id string) ([]byte, error) {
	item := m.cache.Get(id)
	if item == nil {
		return nil, nil
	}
	return item.Value(), nil
}

func (m *MemoryStore) Save(_ context.Context, id string, data []byte) error {
	m.cache.Set(id, data, ttlcache.DefaultTTL)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Delete(id)
	return nil
}

// Touch extends the entry's lifetime.
func (m *MemoryStore) Touch(_ context.Context, id string) error {
	m.cache.Touch(id)
	return nil
}

// Close stops the expiry loop.
func (m *MemoryStore) Close() {
	m.cache.Stop()
}

// RedisStore keeps sessions in Redis so every instance sees the same state.
// Keys are prefix+id, which is where the token cache partition manager looks
// sessions up.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store writing under prefix with the given ttl.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) Load(ctx context.Context, id string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return data, nil
}

func (r *RedisStore) Save(ctx context.Context, id string, data []byte) error {
	if err := r.client.Set(ctx, r.prefix+id, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) Touch(ctx context.Context, id string) error {
	if err := r.client.Expire(ctx, r.prefix+id, r.ttl).Err(); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}
