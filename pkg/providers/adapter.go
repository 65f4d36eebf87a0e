package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/akagifreeez/aiverse/internal/models"
)

// Default API roots. Tests and self-hosted gateways override them through
// the registry constructor.
var DefaultBaseURLs = map[models.Provider]string{
	models.ProviderOpenAI:     "https://api.openai.com/v1",
	models.ProviderAnthropic:  "https://api.anthropic.com",
	models.ProviderGoogle:     "https://generativelanguage.googleapis.com",
	models.ProviderElevenLabs: "https://api.elevenlabs.io",
	models.ProviderMistral:    "https://api.mistral.ai/v1",
}

// ProbeOutcome carries whatever quota information a provider reported
// alongside a successful probe. Nil fields mean "not reported".
type ProbeOutcome struct {
	Remaining *int64
	Limit     *int64
	QuotaKind string // "tokens" or "characters"
}

// Adapter is the per-provider capability: local format check plus a cheap
// authenticated request.
type Adapter interface {
	Provider() models.Provider
	Validate(secret string) bool
	Probe(ctx context.Context, secret string) (ProbeOutcome, error)
}

// Registry selects the adapter for a provider with a single lookup
type Registry struct {
	adapters map[models.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// NewDefaultRegistry wires the built-in adapters. baseURLs may override any
// entry of DefaultBaseURLs; a nil client gets a 30s timeout client.
func NewDefaultRegistry(client *http.Client, baseURLs map[models.Provider]string) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	url := func(p models.Provider) string {
		if u := strings.TrimSpace(baseURLs[p]); u != "" {
			return strings.TrimRight(u, "/")
		}
		return DefaultBaseURLs[p]
	}

	return NewRegistry(
		NewOpenAIAdapter(url(models.ProviderOpenAI), client),
		NewAnthropicAdapter(url(models.ProviderAnthropic), client),
		NewGoogleAdapter(url(models.ProviderGoogle), client),
		NewElevenLabsAdapter(url(models.ProviderElevenLabs), client),
		NewMistralAdapter(url(models.ProviderMistral), client),
	)
}

func (r *Registry) Lookup(p models.Provider) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Validate applies the provider's format rule, falling back to the generic
// rule for providers without an adapter.
func (r *Registry) Validate(p models.Provider, secret string) bool {
	if a, ok := r.adapters[p]; ok {
		return a.Validate(secret)
	}
	return fallbackRule.accepts(secret)
}
