package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/app"
	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/handlers"
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

	log.Info().Str("environment", cfg.Environment).Str("store", cfg.StoreDriver).Msg("Starting AIverse key pool API")

	if cfg.AdminSecret == "" {
		log.Warn().Msg("ADMIN_SECRET is not set, admin endpoints will reject every request")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize key pool")
	}
	defer rt.Close()

	// With Redis the workers process sends alerts for the whole fleet
	rt.StartBackground(ctx, !rt.Distributed())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handlers.NewRouter(cfg, rt.KeyManager, rt.Bus),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event stream connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}
