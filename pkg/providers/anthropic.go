package providers

import (
	"context"
	"net/http"

	"github.com/akagifreeez/aiverse/internal/models"
)

const anthropicVersion = "2023-06-01"

type anthropicAdapter struct {
	keyRule
	baseURL string
	client  *http.Client
}

func NewAnthropicAdapter(baseURL string, client *http.Client) Adapter {
	return &anthropicAdapter{
		keyRule: ruleFor(models.ProviderAnthropic),
		baseURL: baseURL,
		client:  client,
	}
}

func (a *anthropicAdapter) Provider() models.Provider { return models.ProviderAnthropic }

func (a *anthropicAdapter) Validate(secret string) bool { return a.accepts(secret) }

// Probe lists one model. Anthropic reports the token budget of the current
// rate-limit window in response headers.
func (a *anthropicAdapter) Probe(ctx context.Context, secret string) (ProbeOutcome, error) {
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	h, _, err := getJSON(ctx, a.client, a.baseURL+"/v1/models?limit=1", map[string]string{
		"x-api-key":         secret,
		"anthropic-version": anthropicVersion,
	}, &payload)
	if err != nil {
		return ProbeOutcome{}, err
	}

	var out ProbeOutcome
	if remaining, ok := headerInt(h, "anthropic-ratelimit-tokens-remaining"); ok {
		out.Remaining = remaining
		out.QuotaKind = "tokens"
		out.Limit, _ = headerInt(h, "anthropic-ratelimit-tokens-limit")
	}
	return out, nil
}
