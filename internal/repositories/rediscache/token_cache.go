// Package rediscache layers Redis read-through caches over slower repositories.
package rediscache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	tokenKeyPrefix   = "notification_token:"
	missingTokenMark = "-"
	defaultTTL       = 10 * time.Minute
	defaultMissTTL   = time.Minute
)

// TokenCache caches push tokens, including the absence of one, in front of a
// TokenRepository. Redis failures fall back to the primary repository.
type TokenCache struct {
	primary repositories.TokenRepository
	client  redis.Cmdable
	ttl     time.Duration
	missTTL time.Duration
	onError func(ctx context.Context, op string, err error)
}

// Option customises the cache.
type Option func(*TokenCache)

// WithTTL sets how long a found token is cached.
func WithTTL(ttl time.Duration) Option {
	return func(c *TokenCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMissTTL sets how long a missing token is remembered.
func WithMissTTL(ttl time.Duration) Option {
	return func(c *TokenCache) {
		if ttl > 0 {
			c.missTTL = ttl
		}
	}
}

// WithErrorHandler receives Redis errors that were swallowed.
func WithErrorHandler(fn func(ctx context.Context, op string, err error)) Option {
	return func(c *TokenCache) {
		c.onError = fn
	}
}

// NewTokenCache wraps primary with a Redis cache.
func NewTokenCache(primary repositories.TokenRepository, client redis.Cmdable, opts ...Option) (*TokenCache, error) {
	if primary == nil {
		return nil, errors.New("token cache: primary repository is required")
	}
	if client == nil {
		return nil, errors.New("token cache: redis client is required")
	}
	cache := &TokenCache{
		primary: primary,
		client:  client,
		ttl:     defaultTTL,
		missTTL: defaultMissTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache, nil
}

var _ repositories.TokenRepository = (*TokenCache)(nil)

// FindToken checks Redis first and populates it from the primary on a miss.
func (c *TokenCache) FindToken(ctx context.Context, userID string) (string, error) {
	key := tokenKeyPrefix + userID

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil && cached == missingTokenMark:
		return "", &missingTokenError{userID: userID}
	case err == nil && cached != "":
		return cached, nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.report(ctx, "get", err)
	}

	token, err := c.primary.FindToken(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			if setErr := c.client.Set(ctx, key, missingTokenMark, c.missTTL).Err(); setErr != nil {
				c.report(ctx, "set_miss", setErr)
			}
		}
		return "", err
	}
	if setErr := c.client.Set(ctx, key, token, c.ttl).Err(); setErr != nil {
		c.report(ctx, "set", setErr)
	}
	return token, nil
}

// SaveToken writes through to the primary and drops the cached value.
func (c *TokenCache) SaveToken(ctx context.Context, userID, token string, at time.Time) error {
	if err := c.primary.SaveToken(ctx, userID, token, at); err != nil {
		return err
	}
	if err := c.client.Del(ctx, tokenKeyPrefix+userID).Err(); err != nil {
		c.report(ctx, "del", err)
	}
	return nil
}

func (c *TokenCache) report(ctx context.Context, op string, err error) {
	if c.onError != nil {
		c.onError(ctx, op, err)
	}
}

type missingTokenError struct {
	userID string
}

func (e *missingTokenError) Error() string {
	return "token cache: no token for user " + e.userID
}
func (e *missingTokenError) IsNotFound() bool    { return true }
func (e *missingTokenError) IsConflict() bool    { return false }
func (e *missingTokenError) IsUnavailable() bool { return false }
