package providers

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/akagifreeez/aiverse/internal/models"
)

type googleAdapter struct {
	keyRule
	baseURL string
	client  *http.Client
}

func NewGoogleAdapter(baseURL string, client *http.Client) Adapter {
	return &googleAdapter{
		keyRule: ruleFor(models.ProviderGoogle),
		baseURL: baseURL,
		client:  client,
	}
}

func (a *googleAdapter) Provider() models.Provider { return models.ProviderGoogle }

func (a *googleAdapter) Validate(secret string) bool { return a.accepts(secret) }

// Probe lists one Gemini model. The key travels in a header so it never
// ends up in a URL or an access log. Gemini does not expose quota.
func (a *googleAdapter) Probe(ctx context.Context, secret string) (ProbeOutcome, error) {
	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	_, body, err := getJSON(ctx, a.client, a.baseURL+"/v1beta/models?pageSize=1", map[string]string{
		"x-goog-api-key": secret,
	}, &payload)
	if err != nil {
		// Gemini answers an invalid key with 400 INVALID_ARGUMENT
		var pe *ProbeError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("API_KEY_INVALID")) {
			return ProbeOutcome{}, &ProbeError{Kind: ErrProviderAuth, StatusCode: pe.StatusCode}
		}
		return ProbeOutcome{}, err
	}
	return ProbeOutcome{}, nil
}
