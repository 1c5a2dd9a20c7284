// Package config loads and validates the verifier's environment once
// at startup. Handlers receive the resulting struct explicitly and
// never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/brass-rl/brass-go/internal/codec"
)

const (
	BackendAtomic     = "atomic"
	BackendBestEffort = "best-effort"
)

type Config struct {
	Addr string

	// StorageBackend selects atomic or best-effort spend accounting.
	StorageBackend string
	RedisAddr      string
	RedisPassword  string

	// GraceSeconds is the half-width of the midnight grace band.
	GraceSeconds int

	// IssuerPubKey is the issuer's public point Y = k*G, compressed.
	IssuerPubKey []byte

	// KVSecret keys the idempotency-key HMAC. 32 bytes.
	KVSecret []byte

	// SecretKey and RateLimit back the static key store when no
	// external API-key lookup is wired.
	SecretKey string
	RateLimit int

	TelemetryURL        string
	TelemetryKey        string
	TelemetryDeployment string

	Build string
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                env("ADDR", ":8080"),
		StorageBackend:      env("STORAGE_BACKEND", BackendAtomic),
		RedisAddr:           env("REDIS_ADDR", ""),
		RedisPassword:       env("REDIS_PASSWORD", ""),
		GraceSeconds:        envInt("BOUNDARY_GRACE_SECONDS", 60),
		SecretKey:           env("BRASS_SECRET_KEY", ""),
		RateLimit:           envInt("BRASS_RATE_LIMIT", 100),
		TelemetryURL:        env("TELEMETRY_URL", ""),
		TelemetryKey:        env("TELEMETRY_KEY", ""),
		TelemetryDeployment: env("TELEMETRY_DEPLOYMENT", ""),
		Build:               env("BUILD_ID", "dev"),
	}

	switch cfg.StorageBackend {
	case BackendAtomic, BackendBestEffort:
	default:
		return nil, fmt.Errorf("config: unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend == BackendAtomic && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("config: STORAGE_BACKEND=atomic requires REDIS_ADDR")
	}
	if cfg.GraceSeconds < 0 {
		return nil, fmt.Errorf("config: BOUNDARY_GRACE_SECONDS must be non-negative")
	}

	pub := env("BRASS_ISSUER_PUBKEY", "")
	if pub == "" {
		return nil, fmt.Errorf("config: BRASS_ISSUER_PUBKEY is required")
	}
	pubRaw, err := codec.DecodeBase64(pub)
	if err != nil {
		return nil, fmt.Errorf("config: BRASS_ISSUER_PUBKEY: %w", err)
	}
	if _, err := codec.UnmarshalPoint(pubRaw); err != nil {
		return nil, fmt.Errorf("config: BRASS_ISSUER_PUBKEY: %w", err)
	}
	cfg.IssuerPubKey = pubRaw

	secret := env("BRASS_KV_SECRET", "")
	if secret == "" {
		return nil, fmt.Errorf("config: BRASS_KV_SECRET is required")
	}
	secretRaw, err := codec.DecodeBase64(secret)
	if err != nil {
		return nil, fmt.Errorf("config: BRASS_KV_SECRET: %w", err)
	}
	if len(secretRaw) != 32 {
		return nil, fmt.Errorf("config: BRASS_KV_SECRET must be 32 bytes, got %d", len(secretRaw))
	}
	cfg.KVSecret = secretRaw

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
