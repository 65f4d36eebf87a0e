package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/events"
	"github.com/akagifreeez/aiverse/internal/metrics"
	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/internal/store"
	"github.com/akagifreeez/aiverse/pkg/providers"
)

const (
	defaultProbeTimeout     = 8 * time.Second
	defaultProbeConcurrency = 8
	recordUsageTimeout      = 5 * time.Second
)

var ErrNoActiveKey = errors.New("no active key for provider")

// ProbeLimiter throttles outgoing probes per provider
type ProbeLimiter interface {
	Wait(ctx context.Context, p models.Provider) error
}

// ImportResult summarizes a bulk import. Empty lines are not counted.
type ImportResult struct {
	Imported    int      `json:"imported"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	ImportedIDs []string `json:"imported_ids"`
}

// TestResult is the outcome of one liveness probe. A provider failure is a
// result with Success=false, never an error.
type TestResult struct {
	KeyID           string          `json:"key_id"`
	Provider        models.Provider `json:"provider"`
	Alias           string          `json:"alias"`
	Success         bool            `json:"success"`
	ResponseTimeMs  int64           `json:"response_time_ms"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       string          `json:"error_kind,omitempty"`
	TokensRemaining *int64          `json:"tokens_remaining,omitempty"`
}

// QuotaInfo is whatever quota the provider reported for a key. Remaining
// and Total stay nil when the provider does not expose them.
type QuotaInfo struct {
	KeyID     string `json:"key_id"`
	Remaining *int64 `json:"remaining"`
	Total     *int64 `json:"total"`
	Type      string `json:"type,omitempty"`
	Error     string `json:"error,omitempty"`
}

// KeyManager owns the provider key pool: import, listing, liveness probes,
// stats and round-robin selection of active keys.
type KeyManager struct {
	store    store.Store
	registry *providers.Registry
	cfg      *config.Config
	limiter  ProbeLimiter
	events   events.Publisher
	now      func() time.Time

	// Round-robin cursor per provider
	mu      sync.Mutex
	poolIdx map[models.Provider]uint64
}

func NewKeyManager(st store.Store, registry *providers.Registry, cfg *config.Config) *KeyManager {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &KeyManager{
		store:    st,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		poolIdx:  make(map[models.Provider]uint64),
	}
}

func (km *KeyManager) SetLimiter(l ProbeLimiter) { km.limiter = l }

func (km *KeyManager) SetPublisher(p events.Publisher) { km.events = p }

// Ping reports whether the key store is reachable
func (km *KeyManager) Ping(ctx context.Context) error {
	return km.store.Ping(ctx)
}

// ParseKeyList splits pasted text into candidate keys. Lines and
// comma-separated values are both accepted.
func ParseKeyList(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
}

// AddKey stores a single key. Unlike ImportBulk it reports invalid and
// duplicate keys as errors.
func (km *KeyManager) AddKey(ctx context.Context, provider models.Provider, raw string) (*models.KeyRecord, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("%w: %q", providers.ErrUnsupportedProvider, provider)
	}

	secret := strings.TrimSpace(raw)
	if !km.registry.Validate(provider, secret) {
		return nil, &providers.ValidationError{Provider: provider}
	}

	rec, err := km.store.Create(ctx, provider, secret)
	if err != nil {
		return nil, err
	}

	metrics.KeyImports.WithLabelValues(string(provider), "imported").Inc()
	km.publish(events.Event{Type: events.KeyImported, Key: rec.View()})
	log.Info().Str("provider", string(provider)).Str("alias", rec.Alias).Msg("API key added")
	return rec, nil
}

// ImportBulk persists the valid, new keys of a batch. Invalid and
// duplicate entries are skipped; the first occurrence of a repeated key
// wins. A failed insert does not stop the batch.
func (km *KeyManager) ImportBulk(ctx context.Context, provider models.Provider, raws []string) (ImportResult, error) {
	result := ImportResult{ImportedIDs: []string{}}

	if !provider.Valid() {
		return result, fmt.Errorf("%w: %q", providers.ErrUnsupportedProvider, provider)
	}
	if err := km.store.Ping(ctx); err != nil {
		return result, fmt.Errorf("key store unavailable: %w", err)
	}

	seen := make(map[string]struct{}, len(raws))
	attempted := 0
	var lastErr error

	for _, raw := range raws {
		secret := strings.TrimSpace(raw)
		if secret == "" {
			continue
		}
		if !km.registry.Validate(provider, secret) {
			result.Skipped++
			continue
		}
		if _, dup := seen[secret]; dup {
			result.Skipped++
			continue
		}
		seen[secret] = struct{}{}

		attempted++
		rec, err := km.store.Create(ctx, provider, secret)
		switch {
		case errors.Is(err, store.ErrDuplicateKey):
			result.Skipped++
		case err != nil:
			result.Failed++
			lastErr = err
			log.Warn().Err(err).Str("provider", string(provider)).Msg("Failed to import key")
		default:
			result.Imported++
			result.ImportedIDs = append(result.ImportedIDs, rec.ID)
			km.publish(events.Event{Type: events.KeyImported, Key: rec.View()})
		}
	}

	metrics.KeyImports.WithLabelValues(string(provider), "imported").Add(float64(result.Imported))
	metrics.KeyImports.WithLabelValues(string(provider), "skipped").Add(float64(result.Skipped))
	metrics.KeyImports.WithLabelValues(string(provider), "failed").Add(float64(result.Failed))

	log.Info().
		Str("provider", string(provider)).
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("Bulk key import finished")

	if attempted > 0 && result.Failed == attempted {
		return result, fmt.Errorf("key store unavailable: %w", lastErr)
	}
	return result, nil
}

// ListKeys returns masked keys for a provider, or for every provider when
// provider is empty.
func (km *KeyManager) ListKeys(ctx context.Context, provider models.Provider) ([]models.KeyView, error) {
	keys, err := km.records(ctx, provider)
	if err != nil {
		return nil, err
	}

	views := make([]models.KeyView, 0, len(keys))
	for i := range keys {
		views = append(views, keys[i].View())
	}
	return views, nil
}

func (km *KeyManager) SetActive(ctx context.Context, id string, active bool) (models.KeyView, error) {
	rec, err := km.store.SetActive(ctx, id, active)
	if err != nil {
		return models.KeyView{}, err
	}

	view := rec.View()
	km.publish(events.Event{Type: events.KeyStatusChanged, Key: view})
	return view, nil
}

// DisableKey marks a key as inactive (e.g. after the provider rejected it)
func (km *KeyManager) DisableKey(ctx context.Context, id, reason string) error {
	view, err := km.SetActive(ctx, id, false)
	if err != nil {
		return err
	}
	log.Warn().
		Str("provider", string(view.Provider)).
		Str("alias", view.Alias).
		Str("reason", reason).
		Msg("Disabled API key")
	return nil
}

func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	rec, err := km.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := km.store.Delete(ctx, id); err != nil {
		return err
	}

	km.publish(events.Event{Type: events.KeyDeleted, Key: rec.View()})
	log.Info().Str("provider", string(rec.Provider)).Str("alias", rec.Alias).Msg("API key deleted")
	return nil
}

// Test probes a single key. Only an unknown id is an error.
func (km *KeyManager) Test(ctx context.Context, id string) (TestResult, error) {
	rec, err := km.store.Get(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	res, _ := km.probe(ctx, rec)
	return res, nil
}

// TestAll probes every key of provider (all providers when empty),
// inactive ones included. Probes run concurrently, each under its own
// timeout; results keep the listing order.
func (km *KeyManager) TestAll(ctx context.Context, provider models.Provider) ([]TestResult, error) {
	keys, err := km.records(ctx, provider)
	if err != nil {
		return nil, err
	}

	results := make([]TestResult, len(keys))
	var g errgroup.Group
	g.SetLimit(km.probeConcurrency())
	for i := range keys {
		g.Go(func() error {
			results[i], _ = km.probe(ctx, &keys[i])
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// Quota probes a key and reports the quota its provider exposes
func (km *KeyManager) Quota(ctx context.Context, id string) (QuotaInfo, error) {
	rec, err := km.store.Get(ctx, id)
	if err != nil {
		return QuotaInfo{}, err
	}

	res, out := km.probe(ctx, rec)
	info := QuotaInfo{KeyID: rec.ID, Error: res.Error}
	if res.Success {
		info.Remaining = out.Remaining
		info.Total = out.Limit
		info.Type = out.QuotaKind
	}
	return info, nil
}

// StatsByProvider aggregates the pool. Every known provider is present.
func (km *KeyManager) StatsByProvider(ctx context.Context) (map[models.Provider]models.ProviderStats, error) {
	stats, err := km.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load key stats: %w", err)
	}
	for _, p := range models.Providers {
		if _, ok := stats[p]; !ok {
			stats[p] = models.ProviderStats{}
		}
	}
	return stats, nil
}

// PickKey returns the next active key for provider in round-robin order.
// Inactive keys are never returned.
func (km *KeyManager) PickKey(ctx context.Context, provider models.Provider) (*models.KeyRecord, error) {
	keys, err := km.store.ListByProvider(ctx, provider)
	if err != nil {
		return nil, err
	}

	active := keys[:0]
	for _, k := range keys {
		if k.IsActive && k.Secret != "" {
			active = append(active, k)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, provider)
	}

	km.mu.Lock()
	idx := km.poolIdx[provider]
	km.poolIdx[provider] = idx + 1
	km.mu.Unlock()

	picked := active[idx%uint64(len(active))]
	return &picked, nil
}

// RecordUse records a real call made with a key outside of probing
func (km *KeyManager) RecordUse(ctx context.Context, id string, success bool) error {
	return km.store.RecordUsage(ctx, id, success, km.now())
}

func (km *KeyManager) records(ctx context.Context, provider models.Provider) ([]models.KeyRecord, error) {
	if provider != "" {
		return km.store.ListByProvider(ctx, provider)
	}

	all, err := km.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	keys := []models.KeyRecord{}
	for _, p := range models.Providers {
		keys = append(keys, all[p]...)
	}
	return keys, nil
}

// probeRun is what one probe attempt produced. sent is false when the
// request never left: limiter refusal, cancelled caller, missing adapter or
// secret. Elapsed covers the provider round-trip only.
type probeRun struct {
	out     providers.ProbeOutcome
	elapsed time.Duration
	sent    bool
}

// probe runs one bounded provider round-trip. Usage is recorded against the
// key only when the request was actually sent.
func (km *KeyManager) probe(ctx context.Context, rec *models.KeyRecord) (TestResult, providers.ProbeOutcome) {
	view := rec.View()
	res := TestResult{KeyID: rec.ID, Provider: rec.Provider, Alias: view.Alias}

	probeCtx, cancel := context.WithTimeout(ctx, km.probeTimeout())
	run, err := km.runProbe(ctx, probeCtx, rec)
	cancel()

	res.ResponseTimeMs = run.elapsed.Milliseconds()
	res.Success = err == nil
	resultLabel := "ok"
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = providers.KindOf(err)
		resultLabel = res.ErrorKind
	} else {
		res.TokensRemaining = run.out.Remaining
	}

	metrics.KeyProbes.WithLabelValues(string(rec.Provider), resultLabel).Inc()

	if run.sent {
		metrics.KeyProbeDuration.WithLabelValues(string(rec.Provider)).Observe(run.elapsed.Seconds())

		// The usage write must land even if the probe deadline or the caller's
		// request has already ended.
		at := km.now().UTC()
		recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordUsageTimeout)
		defer cancelRecord()
		if rerr := km.store.RecordUsage(recordCtx, rec.ID, res.Success, at); rerr != nil {
			log.Error().Err(rerr).Str("key_id", rec.ID).Msg("Failed to record key usage")
		}

		view.UsageCount++
		if !res.Success {
			view.ErrorCount++
		}
		view.LastUsedAt = &at
	}

	km.publish(events.Event{
		Type: events.KeyTested,
		Key:  view,
		Test: &events.TestOutcome{
			Success:        res.Success,
			ResponseTimeMs: res.ResponseTimeMs,
			Error:          res.Error,
			Kind:           res.ErrorKind,
		},
	})

	if err != nil {
		log.Debug().
			Str("provider", string(rec.Provider)).
			Str("alias", view.Alias).
			Str("kind", resultLabel).
			Bool("sent", run.sent).
			Int64("ms", res.ResponseTimeMs).
			Msg("Key probe failed")
	}
	return res, run.out
}

// runProbe waits for the limiter and calls the adapter under probeCtx.
// parent is the caller's context, used to tell a cancelled caller apart
// from an expired probe deadline.
func (km *KeyManager) runProbe(parent, probeCtx context.Context, rec *models.KeyRecord) (probeRun, error) {
	var run probeRun

	adapter, ok := km.registry.Lookup(rec.Provider)
	if !ok {
		return run, &providers.ProbeError{Kind: providers.ErrUnsupportedProvider}
	}
	if rec.Secret == "" {
		return run, &providers.ProbeError{Kind: providers.ErrSecretUnavailable}
	}
	if parent.Err() != nil {
		return run, &providers.ProbeError{Kind: providers.ErrCallerCanceled}
	}

	if km.limiter != nil {
		if err := km.limiter.Wait(probeCtx, rec.Provider); err != nil {
			if parent.Err() != nil {
				return run, &providers.ProbeError{Kind: providers.ErrCallerCanceled}
			}
			return run, &providers.ProbeError{Kind: providers.ErrProviderTimeout}
		}
	}

	run.sent = true
	start := time.Now()
	out, err := adapter.Probe(probeCtx, rec.Secret)
	run.elapsed = time.Since(start)
	run.out = out
	if err != nil {
		return run, providers.Classify(err)
	}
	return run, nil
}

func (km *KeyManager) publish(e events.Event) {
	if km.events != nil {
		km.events.Publish(e)
	}
}

func (km *KeyManager) probeTimeout() time.Duration {
	if km.cfg.ProbeTimeout > 0 {
		return km.cfg.ProbeTimeout
	}
	return defaultProbeTimeout
}

func (km *KeyManager) probeConcurrency() int {
	if km.cfg.ProbeConcurrency > 0 {
		return km.cfg.ProbeConcurrency
	}
	return defaultProbeConcurrency
}
