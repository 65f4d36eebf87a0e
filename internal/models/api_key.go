package models

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies an upstream AI vendor a key belongs to
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderElevenLabs Provider = "elevenlabs"
	ProviderMistral    Provider = "mistral"
)

// Providers lists every supported provider in display order
var Providers = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderElevenLabs,
	ProviderMistral,
}

// ParseProvider normalizes a provider tag coming from a request or a flag
func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// KeyRecord is a stored provider credential and its usage history.
// Secret and Fingerprint never leave the service; use View for output.
type KeyRecord struct {
	ID          string     `json:"id"`
	Provider    Provider   `json:"provider"`
	Secret      string     `json:"-"`
	Fingerprint string     `json:"-"`
	Alias       string     `json:"alias"`
	IsActive    bool       `json:"is_active"`
	UsageCount  int64      `json:"usage_count"`
	ErrorCount  int64      `json:"error_count"`
	LastUsedAt  *time.Time `json:"last_used_at"` // Pointer to handle NULL
	CreatedAt   time.Time  `json:"created_at"`
}

// KeyView is the masked form of a KeyRecord returned to admin clients
type KeyView struct {
	ID         string     `json:"id"`
	Provider   Provider   `json:"provider"`
	Alias      string     `json:"alias"`
	IsActive   bool       `json:"is_active"`
	UsageCount int64      `json:"usage_count"`
	ErrorCount int64      `json:"error_count"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (k *KeyRecord) View() KeyView {
	alias := k.Alias
	if alias == "" {
		alias = AliasFor(k.Secret)
	}
	return KeyView{
		ID:         k.ID,
		Provider:   k.Provider,
		Alias:      alias,
		IsActive:   k.IsActive,
		UsageCount: k.UsageCount,
		ErrorCount: k.ErrorCount,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// ProviderStats aggregates the key pool of a single provider
type ProviderStats struct {
	Total      int64 `json:"total"`
	Active     int64 `json:"active"`
	Errors     int64 `json:"errors"`
	TotalUsage int64 `json:"total_usage"`
}

// AliasFor derives the display-safe alias of a secret: a short prefix and
// the secret length, both counted in runes. At most a third of the secret
// is ever revealed.
func AliasFor(secret string) string {
	runes := []rune(secret)
	n := len(runes)
	prefix := min(8, n/3)
	return fmt.Sprintf("%s...(%d)", string(runes[:prefix]), n)
}
