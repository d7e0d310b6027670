// Package cache хранит снимок корзины в Redis, чтобы киоск восстанавливал её после перезапуска.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/smartcart/internal/model"
)

// ErrCacheMiss возвращается, если снимка нет.
var ErrCacheMiss = errors.New("cache miss")

// Snapshot содержит сохранённое состояние корзины.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	Items     []model.LineItem `json:"items"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RedisCache хранит снимки корзины в Redis с TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache создаёт кэш поверх клиента Redis.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    12 * time.Hour,
	}
}

// Get возвращает снимок корзины cartID.
func (r *RedisCache) Get(ctx context.Context, cartID string) (*Snapshot, error) {
	data, err := r.client.Get(ctx, cacheKey(cartID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal cart snapshot failed: %w", err)
	}
	return &s, nil
}

// Set сохраняет снимок.
func (r *RedisCache) Set(ctx context.Context, cartID string, s *Snapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal cart snapshot failed: %w", err)
	}

	if err := r.client.Set(ctx, cacheKey(cartID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete удаляет снимок.
func (r *RedisCache) Delete(ctx context.Context, cartID string) error {
	if err := r.client.Del(ctx, cacheKey(cartID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Load возвращает снимок из кэша, а при промахе получает его через fetch и кладёт в кэш.
// Ошибка Redis не мешает получить данные через fetch.
func (r *RedisCache) Load(ctx context.Context, cartID string, fetch func(ctx context.Context) (*Snapshot, error)) (*Snapshot, error) {
	s, err := r.Get(ctx, cartID)
	if err == nil {
		return s, nil
	}

	s, fetchErr := fetch(ctx)
	if fetchErr != nil {
		return nil, fetchErr
	}
	if errors.Is(err, ErrCacheMiss) {
		_ = r.Set(ctx, cartID, s)
	}
	return s, nil
}

// Ping проверяет соединение с Redis.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func cacheKey(cartID string) string {
	return fmt.Sprintf("smartcart:cart:%s", cartID)
}
