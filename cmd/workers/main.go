package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/app"
	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/workers"
)

func main() {
	// Setup logger
	app.SetupLogger(os.Getenv("LOG_LEVEL"))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	app.SetupLogger(cfg.LogLevel)

	log.Info().Str("environment", cfg.Environment).Msg("Starting AIverse key pool workers")

	if cfg.StoreDriver == "memory" {
		log.Warn().Msg("Workers on the in-memory store only see keys imported into this process")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize key pool")
	}
	defer rt.Close()

	rt.StartBackground(ctx, true)

	// Create workers
	keyChecker := workers.NewKeyChecker(rt.KeyManager, cfg)

	// Start workers in goroutines
	go keyChecker.Start(ctx)

	log.Info().Msg("All workers started")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, stopping workers...")
	cancel()

	log.Info().Msg("Workers stopped")
}
