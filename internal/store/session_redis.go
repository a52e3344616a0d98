package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// RedisSessionStore keeps the session under a key that expires after ttl of
// inactivity. Reads and writes renew the expiry.
type RedisSessionStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisSessionStore(client redis.UniversalClient, prefix, owner string, ttl time.Duration) *RedisSessionStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "loancall"
	}
	if owner = strings.TrimSpace(owner); owner == "" {
		owner = "default"
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}

	return &RedisSessionStore{
		client: client,
		key:    fmt.Sprintf("%s:session:%s", trimmedPrefix, owner),
		ttl:    ttl,
	}
}

func (r *RedisSessionStore) Load(ctx context.Context) (domain.Session, error) {
	raw, err := r.client.GetEx(ctx, r.key, r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, nil
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to read session: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return session, nil
}

func (r *RedisSessionStore) Save(ctx context.Context, session domain.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}
