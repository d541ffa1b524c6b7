package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/observ"
)

// kv is the part of a redis client the store uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps the snapshot as one JSON value under a single key.
type RedisStore struct {
	client kv
	key    string
}

func NewRedisStore(client kv, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	s.fill()
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *Snapshot) error {
	s.SavedAt = time.Now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// Open builds the configured store. The returned close func releases any connection.
func Open(ctx context.Context, cfg config.Persistence) (Store, func() error, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		observ.Log("state_store_opened", map[string]any{"backend": "redis", "addr": cfg.RedisAddr, "key": cfg.RedisKey})
		return NewRedisStore(client, cfg.RedisKey), client.Close, nil
	default:
		observ.Log("state_store_opened", map[string]any{"backend": "file", "path": cfg.Path})
		return NewFileStore(cfg.Path), func() error { return nil }, nil
	}
}
