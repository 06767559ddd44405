package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheTTL is how long a positive verdict is cached. Short enough that a
// revoked key stops working within a minute; negatives are never cached so
// a freshly issued key works immediately.
const cacheTTL = time.Minute

// CachedValidator fronts another Validator with a Redis read-through cache.
// Cache failures are invisible to callers: the inner validator is always
// authoritative and a broken cache only costs latency.
type CachedValidator struct {
	inner  Validator
	client *redis.Client
	logger *zap.Logger
}

// NewCachedValidator connects to cacheURL (a redis:// URL) and wraps inner.
func NewCachedValidator(ctx context.Context, cacheURL string, inner Validator, logger *zap.Logger) (*CachedValidator, error) {
	opts, err := redis.ParseURL(cacheURL)
	if err != nil {
		return nil, fmt.Errorf("auth: parse cache url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("auth: ping cache: %w", err)
	}

	return &CachedValidator{inner: inner, client: client, logger: logger.Named("auth_cache")}, nil
}

func cacheKey(token string) string {
	return "frpx:apikey:" + token
}

// ValidateToken implements Validator.
func (v *CachedValidator) ValidateToken(ctx context.Context, token string) (Result, error) {
	hit, err := v.client.Get(ctx, cacheKey(token)).Result()
	switch {
	case err == nil && hit == "1":
		return Valid, nil
	case err != nil && !errors.Is(err, redis.Nil):
		v.logger.Debug("cache lookup failed, falling through", zap.Error(err))
	}

	res, verr := v.inner.ValidateToken(ctx, token)
	if res == Valid {
		if err := v.client.Set(ctx, cacheKey(token), "1", cacheTTL).Err(); err != nil {
			v.logger.Debug("cache store failed", zap.Error(err))
		}
	}
	return res, verr
}

// Close releases the Redis client.
func (v *CachedValidator) Close() error {
	return v.client.Close()
}
