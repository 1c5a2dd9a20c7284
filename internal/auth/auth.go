// Package auth resolves API keys to tenants. The key lookup is the
// only source of tenancy and limits; the project id it returns is
// threaded into every counter and grace key.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingAPIKey = fmt.Errorf("missing_api_key")
	ErrInvalidAPIKey = fmt.Errorf("invalid_api_key")
)

// Project is the tenant a valid API key maps to.
type Project struct {
	ID    string `json:"project_id"`
	Limit int    `json:"limit"`
}

// KeyStore looks up an opaque API key.
type KeyStore interface {
	Lookup(ctx context.Context, apiKey string) (Project, error)
}

// StaticKeys serves the single fallback secret configured via
// BRASS_SECRET_KEY when no external key store is wired.
type StaticKeys struct {
	Secret  string
	Project Project
}

func (s *StaticKeys) Lookup(ctx context.Context, apiKey string) (Project, error) {
	if apiKey == "" {
		return Project{}, ErrMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.Secret)) != 1 {
		return Project{}, ErrInvalidAPIKey
	}
	return s.Project, nil
}

// RedisKeys resolves keys from apikey:<key> records holding a JSON
// Project. Concurrent lookups for the same key collapse into one
// round trip.
type RedisKeys struct {
	Client *redis.Client
	group  singleflight.Group
}

func NewRedisKeys(client *redis.Client) *RedisKeys {
	return &RedisKeys{Client: client}
}

func (r *RedisKeys) Lookup(ctx context.Context, apiKey string) (Project, error) {
	if apiKey == "" {
		return Project{}, ErrMissingAPIKey
	}
	v, err, _ := r.group.Do(apiKey, func() (interface{}, error) {
		raw, err := r.Client.Get(ctx, "apikey:"+apiKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidAPIKey
		}
		if err != nil {
			return nil, fmt.Errorf("key lookup: %w", err)
		}
		var p Project
		if err := json.Unmarshal([]byte(raw), &p); err != nil || p.ID == "" {
			return nil, ErrInvalidAPIKey
		}
		return p, nil
	})
	if err != nil {
		return Project{}, err
	}
	return v.(Project), nil
}
