// Package session stores refresh tokens out of process so they survive
// restarts and can be revoked centrally.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quorum/api/internal/store"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "refresh:"

// refreshRecord is the value stored per refresh token hash.
type refreshRecord struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	IsExternal  bool      `json:"is_external"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore keeps refresh sessions in Redis, keyed by token hash with a
// TTL matching the token's expiry.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	record, err := json.Marshal(refreshRecord{UserID: userID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal refresh record: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if err := s.client.Set(ctx, keyPrefix+tokenHash, record, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	raw, err := s.client.Get(ctx, keyPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, fmt.Errorf("refresh session not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var record refreshRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return store.User{}, fmt.Errorf("decode refresh record: %w", err)
	}
	if record.Role == "" {
		record.Role = "viewer"
	}
	return store.User{
		ID:          record.UserID,
		DisplayName: record.DisplayName,
		Role:        record.Role,
		IsExternal:  record.IsExternal,
	}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, keyPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
