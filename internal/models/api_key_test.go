package models

import (
	"encoding/json"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasFor(t *testing.T) {
	tests := []struct {
		secret string
		want   string
	}{
		{"sk-AAAAAAAAAAAAAAAAAAAA", "sk-AAAA...(23)"},
		{"sk-ant-REDACTED", "sk-ant-a...(39)"},
		{"abcdefghijklmno", "abcde...(15)"},
		{"ab", "...(2)"},
		{"", "...(0)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AliasFor(tt.secret), tt.secret)
	}
}

func TestAliasFor_MultiByteSecret(t *testing.T) {
	secret := "ключ-пример-секрет"
	alias := AliasFor(secret)
	assert.True(t, utf8.ValidString(alias))
	assert.Equal(t, "ключ-п...(18)", alias)

	// Two-byte runes whose third would fall mid-rune if cut by byte
	assert.Equal(t, "é...(5)", AliasFor("ééééé"))
	assert.True(t, utf8.ValidString(AliasFor("日本語のキー")))
}

func TestAliasFor_Deterministic(t *testing.T) {
	assert.Equal(t, AliasFor("AIzaSyD-1234567890abcdefghijklmnop"), AliasFor("AIzaSyD-1234567890abcdefghijklmnop"))
}

func TestParseProvider(t *testing.T) {
	p, ok := ParseProvider(" OpenAI ")
	assert.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p)

	_, ok = ParseProvider("cohere")
	assert.False(t, ok)
}

func TestKeyRecord_ViewNeverCarriesSecret(t *testing.T) {
	now := time.Now()
	rec := KeyRecord{
		ID:          "id-1",
		Provider:    ProviderOpenAI,
		Secret:      "sk-SUPERSECRETSUPERSECRET",
		Fingerprint: "abc",
		IsActive:    true,
		CreatedAt:   now,
	}

	view := rec.View()
	assert.Equal(t, AliasFor(rec.Secret), view.Alias)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "SUPERSECRET")

	raw, err = json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "SUPERSECRET")
}
