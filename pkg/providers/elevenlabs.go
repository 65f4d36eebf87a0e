package providers

import (
	"context"
	"net/http"

	"github.com/akagifreeez/aiverse/internal/models"
)

type elevenLabsAdapter struct {
	keyRule
	baseURL string
	client  *http.Client
}

func NewElevenLabsAdapter(baseURL string, client *http.Client) Adapter {
	return &elevenLabsAdapter{
		keyRule: ruleFor(models.ProviderElevenLabs),
		baseURL: baseURL,
		client:  client,
	}
}

func (a *elevenLabsAdapter) Provider() models.Provider { return models.ProviderElevenLabs }

func (a *elevenLabsAdapter) Validate(secret string) bool { return a.accepts(secret) }

// Probe reads the subscription, which doubles as the character quota.
func (a *elevenLabsAdapter) Probe(ctx context.Context, secret string) (ProbeOutcome, error) {
	var sub struct {
		CharacterCount *int64 `json:"character_count"`
		CharacterLimit *int64 `json:"character_limit"`
	}
	_, _, err := getJSON(ctx, a.client, a.baseURL+"/v1/user/subscription", map[string]string{
		"xi-api-key": secret,
	}, &sub)
	if err != nil {
		return ProbeOutcome{}, err
	}

	var out ProbeOutcome
	if sub.CharacterCount != nil && sub.CharacterLimit != nil {
		remaining := *sub.CharacterLimit - *sub.CharacterCount
		if remaining < 0 {
			remaining = 0
		}
		out.Remaining = &remaining
		out.Limit = sub.CharacterLimit
		out.QuotaKind = "characters"
	}
	return out, nil
}
