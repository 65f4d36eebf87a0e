package providers

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/akagifreeez/aiverse/internal/models"
)

// openAICompatible probes providers that speak the OpenAI REST dialect by
// listing models, which costs no tokens.
type openAICompatible struct {
	keyRule
	provider models.Provider
	baseURL  string
	client   *http.Client
}

// NewOpenAIAdapter probes GET {baseURL}/models with a Bearer key.
func NewOpenAIAdapter(baseURL string, client *http.Client) Adapter {
	return &openAICompatible{
		keyRule:  ruleFor(models.ProviderOpenAI),
		provider: models.ProviderOpenAI,
		baseURL:  baseURL,
		client:   client,
	}
}

// NewMistralAdapter reuses the OpenAI client; Mistral's /v1/models is
// wire-compatible.
func NewMistralAdapter(baseURL string, client *http.Client) Adapter {
	return &openAICompatible{
		keyRule:  ruleFor(models.ProviderMistral),
		provider: models.ProviderMistral,
		baseURL:  baseURL,
		client:   client,
	}
}

func (a *openAICompatible) Provider() models.Provider { return a.provider }

func (a *openAICompatible) Validate(secret string) bool { return a.accepts(secret) }

func (a *openAICompatible) Probe(ctx context.Context, secret string) (ProbeOutcome, error) {
	cfg := openai.DefaultConfig(secret)
	cfg.BaseURL = a.baseURL
	cfg.HTTPClient = a.client

	list, err := openai.NewClientWithConfig(cfg).ListModels(ctx)
	if err != nil {
		return ProbeOutcome{}, classifyOpenAIError(err)
	}

	var out ProbeOutcome
	h := list.Header()
	if remaining, ok := headerInt(h, "x-ratelimit-remaining-tokens"); ok {
		out.Remaining = remaining
		out.QuotaKind = "tokens"
		out.Limit, _ = headerInt(h, "x-ratelimit-limit-tokens")
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusError(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		if se := statusError(reqErr.HTTPStatusCode); se != nil {
			return se
		}
	}
	return Classify(err)
}
