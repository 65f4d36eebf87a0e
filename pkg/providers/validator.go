package providers

import (
	"strings"

	"github.com/akagifreeez/aiverse/internal/models"
)

// Every key, whatever the provider, must be at least this long.
const minKeyLength = 15

type keyRule struct {
	prefix string
	minLen int
}

var keyRules = map[models.Provider]keyRule{
	models.ProviderOpenAI:     {prefix: "sk-", minLen: 20},
	models.ProviderAnthropic:  {prefix: "sk-ant-", minLen: 30},
	models.ProviderGoogle:     {minLen: 30},
	models.ProviderElevenLabs: {minLen: 20},
	models.ProviderMistral:    {minLen: 20},
}

var fallbackRule = keyRule{minLen: minKeyLength}

func ruleFor(p models.Provider) keyRule {
	if r, ok := keyRules[p]; ok {
		return r
	}
	return fallbackRule
}

func (r keyRule) accepts(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	if len(raw) < minKeyLength || len(raw) < r.minLen {
		return false
	}
	return strings.HasPrefix(raw, r.prefix)
}

// IsAcceptable reports whether raw is syntactically plausible as a key for
// the provider. It is a local check only; Probe is authoritative.
func IsAcceptable(p models.Provider, raw string) bool {
	return ruleFor(p).accepts(raw)
}
