package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/awesome-babushka/auth-service/pkg/errors"
)

const activationKeyPrefix = "activation:"

// CacheRepository stores short-lived activation keys in Redis. Keys
// expire on their own; consumption deletes them eagerly so a key can
// be redeemed once.
type CacheRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCacheRepository constructs a cache repository.
func NewCacheRepository(client *redis.Client, logger *zap.Logger) *CacheRepository {
	return &CacheRepository{client: client, logger: logger}
}

// PutActivationKey maps an activation key to the email it verifies.
func (r *CacheRepository) PutActivationKey(ctx context.Context, key, email string, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Set(ctx, activationKeyPrefix+key, email, ttl).Err(); err != nil {
		return fmt.Errorf("redis set activation key: %w", err)
	}
	return nil
}

// TakeActivationKey returns the email bound to the key and removes it.
func (r *CacheRepository) TakeActivationKey(ctx context.Context, key string) (string, error) {
	if r.client == nil {
		return "", appErrors.ErrCacheMiss
	}
	email, err := r.client.GetDel(ctx, activationKeyPrefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", appErrors.ErrCacheMiss
		}
		return "", fmt.Errorf("redis getdel activation key: %w", err)
	}
	return email, nil
}
