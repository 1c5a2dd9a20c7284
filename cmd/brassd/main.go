// Command brassd runs the spend verifier daemon.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/brass-rl/brass-go/internal/auth"
	"github.com/brass-rl/brass-go/internal/config"
	"github.com/brass-rl/brass-go/internal/counter"
	"github.com/brass-rl/brass-go/internal/telemetry"
	"github.com/brass-rl/brass-go/internal/verifier"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("brassd: %v", err)
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, "brassd")
	if err != nil {
		log.Fatalf("brassd: tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	var client *redis.Client
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			if cfg.StorageBackend == config.BackendAtomic {
				log.Fatalf("brassd: atomic backend requires redis: %v", err)
			}
			log.Printf("redis unavailable, best-effort store falls back to memory: %v", err)
			client = nil
		}
	}

	var store counter.Store
	switch cfg.StorageBackend {
	case config.BackendAtomic:
		store = counter.NewAtomic(client)
	default:
		if client != nil {
			store = counter.NewBestEffort(counter.NewRedisCache(client))
		} else {
			store = counter.NewBestEffort(counter.NewMemoryCache())
		}
	}

	var keys auth.KeyStore
	if client != nil && cfg.SecretKey == "" {
		keys = auth.NewRedisKeys(client)
	} else {
		keys = &auth.StaticKeys{
			Secret:  cfg.SecretKey,
			Project: auth.Project{ID: "default", Limit: cfg.RateLimit},
		}
	}

	emitter := telemetry.NewEmitter(cfg.TelemetryURL, cfg.TelemetryKey, cfg.TelemetryDeployment)
	defer emitter.Close()

	v, err := verifier.New(verifier.Config{
		IssuerPubKey: cfg.IssuerPubKey,
		KVSecret:     cfg.KVSecret,
		GraceSeconds: cfg.GraceSeconds,
		Mode:         cfg.StorageBackend,
		Build:        cfg.Build,
	}, keys, store, emitter)
	if err != nil {
		log.Fatalf("brassd: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware("brassd"))
	r.Mount("/", verifier.NewHandler(v).Routes())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("brassd listening on %s (%s store)", cfg.Addr, cfg.StorageBackend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("brassd: %v", err)
	}
	if client != nil {
		_ = client.Close()
	}
}
