// Command keyctl manages the provider key pool from a shell: bulk import
// from files, listing, probing and enabling or disabling keys.
package main

import (
	"context"
	"os"

	"github.com/akagifreeez/aiverse/internal/app"
	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/services"
)

func main() {
	app.SetupLogger(getLogLevel())

	if err := newRootCmd(openKeyManager).Execute(); err != nil {
		os.Exit(1)
	}
}

func getLogLevel() string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	// Keep command output readable
	return "warn"
}

func openKeyManager(ctx context.Context) (*services.KeyManager, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	rt, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return rt.KeyManager, rt.Close, nil
}
