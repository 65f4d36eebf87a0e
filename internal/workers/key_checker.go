package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/metrics"
	"github.com/akagifreeez/aiverse/internal/services"
)

// CheckSummary describes one sweep over the key pool
type CheckSummary struct {
	Tested   int
	Failed   int
	Disabled int
}

// KeyChecker periodically probes every stored key so dead credentials
// surface without an admin pressing "test all".
type KeyChecker struct {
	keyManager  *services.KeyManager
	interval    time.Duration
	autoDisable bool
}

func NewKeyChecker(km *services.KeyManager, cfg *config.Config) *KeyChecker {
	interval := cfg.KeyCheckInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &KeyChecker{
		keyManager:  km,
		interval:    interval,
		autoDisable: cfg.AutoDisableOnAuthFailure,
	}
}

// Start runs a sweep immediately and then on every tick until ctx ends
func (k *KeyChecker) Start(ctx context.Context) {
	log.Info().Dur("interval", k.interval).Bool("auto_disable", k.autoDisable).Msg("Starting Key Checker worker")

	if _, err := k.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Initial key check failed")
	}

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Key Checker worker stopped")
			return
		case <-ticker.C:
			if _, err := k.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Periodic key check failed")
			}
		}
	}
}

// RunOnce probes all keys. With auto-disable on, active keys the provider
// rejected outright are switched off; transient failures never disable.
func (k *KeyChecker) RunOnce(ctx context.Context) (CheckSummary, error) {
	var summary CheckSummary
	start := time.Now()

	keys, err := k.keyManager.ListKeys(ctx, "")
	if err != nil {
		return summary, err
	}
	active := make(map[string]bool, len(keys))
	for _, key := range keys {
		active[key.ID] = key.IsActive
	}

	results, err := k.keyManager.TestAll(ctx, "")
	if err != nil {
		return summary, err
	}

	for _, res := range results {
		summary.Tested++
		if res.Success {
			continue
		}
		summary.Failed++

		if k.autoDisable && res.ErrorKind == "auth" && active[res.KeyID] {
			if err := k.keyManager.DisableKey(ctx, res.KeyID, res.Error); err != nil {
				log.Error().Err(err).Str("key_id", res.KeyID).Msg("Failed to disable rejected key")
				continue
			}
			summary.Disabled++
		}
	}

	if stats, err := k.keyManager.StatsByProvider(ctx); err == nil {
		for p, st := range stats {
			metrics.ActiveKeys.WithLabelValues(string(p)).Set(float64(st.Active))
		}
	}

	log.Info().
		Int("tested", summary.Tested).
		Int("failed", summary.Failed).
		Int("disabled", summary.Disabled).
		Dur("duration", time.Since(start)).
		Msg("Key check completed")

	return summary, nil
}
