// Package app assembles the key pool from configuration. The API server,
// the background workers and keyctl all start from here.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/events"
	"github.com/akagifreeez/aiverse/internal/notify"
	"github.com/akagifreeez/aiverse/internal/services"
	"github.com/akagifreeez/aiverse/internal/store"
	"github.com/akagifreeez/aiverse/pkg/crypto"
	"github.com/akagifreeez/aiverse/pkg/database"
	"github.com/akagifreeez/aiverse/pkg/providers"
)

const probeLimiterKey = "aiverse:probe"

type Runtime struct {
	Config     *config.Config
	KeyManager *services.KeyManager
	Bus        *events.Bus

	redisBus *events.RedisBus
	closers  []func()
}

// SetupLogger configures the global zerolog logger
func SetupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Build opens the store, wires provider adapters, the probe limiter and the
// event bus. Close releases everything Build opened.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Bus: events.NewBus()}

	st, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	registry := providers.NewDefaultRegistry(nil, cfg.ProviderBaseURLs)
	km := services.NewKeyManager(st, registry, cfg)
	km.SetLimiter(rt.probeLimiter())

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid REDIS_URL, key events stay local")
		} else {
			client := redis.NewClient(opts)
			rt.closers = append(rt.closers, func() { client.Close() })
			rt.redisBus = events.NewRedisBus(client, rt.Bus)
		}
	}

	if rt.redisBus != nil {
		km.SetPublisher(rt.redisBus)
	} else {
		km.SetPublisher(rt.Bus)
	}

	rt.KeyManager = km
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) (store.Store, error) {
	cfg := rt.Config
	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("Using in-memory key store, keys are lost on restart")
		return store.NewMemoryStore(), nil
	}

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init key encryption: %w", err)
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	rt.closers = append(rt.closers, db.Close)

	log.Info().Msg("Running database migrations...")
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("Migrations completed successfully")

	sqlDB := db.SQL()
	rt.closers = append(rt.closers, func() { sqlDB.Close() })
	return store.NewPostgresStore(sqlDB, sealer), nil
}

func (rt *Runtime) probeLimiter() services.ProbeLimiter {
	cfg := rt.Config
	if cfg.RedisURL != "" {
		limiter, err := providers.NewRedisLimiter(cfg.RedisURL, cfg.ProbeRateLimit, probeLimiterKey)
		if err == nil {
			rt.closers = append(rt.closers, func() { limiter.Close() })
			return limiter
		}
		log.Warn().Err(err).Msg("Redis probe limiter unavailable, falling back to local limiter")
	}
	return providers.NewLocalLimiter(cfg.ProbeRateLimit)
}

// Distributed reports whether key events are shared through Redis
func (rt *Runtime) Distributed() bool { return rt.redisBus != nil }

// StartBackground launches the Redis relay and, when alerts is set and a
// bot is configured, the Discord notifier. Both stop with ctx.
func (rt *Runtime) StartBackground(ctx context.Context, alerts bool) {
	if rt.redisBus != nil {
		go func() {
			if err := rt.redisBus.Relay(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Key event relay stopped")
			}
		}()
	}

	if !alerts || rt.Config.DiscordBotToken == "" || rt.Config.DiscordChannelID == "" {
		return
	}
	notifier, err := notify.NewDiscordNotifier(rt.Config.DiscordBotToken, rt.Config.DiscordChannelID)
	if err != nil {
		log.Warn().Err(err).Msg("Discord notifier disabled")
		return
	}
	sub, cancel := rt.Bus.Subscribe()
	rt.closers = append(rt.closers, cancel)
	go notifier.Run(ctx, sub)
	log.Info().Str("channel_id", rt.Config.DiscordChannelID).Msg("Discord key alerts enabled")
}

// Close releases resources in reverse order of acquisition
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
