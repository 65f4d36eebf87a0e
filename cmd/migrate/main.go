package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/app"
	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/pkg/database"
)

// Applies the schema without starting the API and prints the resulting
// api_keys columns.
func main() {
	app.SetupLogger(os.Getenv("LOG_LEVEL"))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}
	log.Info().Msg("Migrations completed successfully")

	rows, err := db.Pool.Query(ctx,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_name = 'api_keys' ORDER BY ordinal_position")
	if err != nil {
		log.Fatal().Err(err).Msg("Schema query failed")
	}
	defer rows.Close()

	fmt.Println("api_keys schema:")
	for rows.Next() {
		var name, dtype string
		if err := rows.Scan(&name, &dtype); err != nil {
			log.Fatal().Err(err).Msg("Schema scan failed")
		}
		fmt.Printf("- %s (%s)\n", name, dtype)
	}
}
