package discordbot

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akagifreeez/aiverse/internal/handlers"
	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/internal/services"
)

func newAdminAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/admin/keys/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(handlers.AdminSecretHeader) != "bot-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"openai":{"total":3,"active":2,"errors":1,"total_usage":12345}}`))
	})
	mux.HandleFunc("/api/v1/admin/keys/test-all", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "anthropic", r.URL.Query().Get("provider"))
		w.Write([]byte(`{"results":[
			{"key_id":"a","provider":"anthropic","alias":"sk-ant-a...(40)","success":true},
			{"key_id":"b","provider":"anthropic","alias":"sk-ant-b...(40)","success":false,"error":"provider rejected credentials (HTTP 401)"}
		]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchStats(t *testing.T) {
	srv := newAdminAPI(t)
	h := NewBotHandler(srv.URL+"/", "bot-secret")

	stats, err := h.fetchStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[models.ProviderOpenAI].Active)

	embed := h.statsEmbed(stats)
	require.Len(t, embed.Fields, len(models.Providers))
	assert.Equal(t, "openai", embed.Fields[0].Name)
	assert.Contains(t, embed.Fields[0].Value, "2/3 active")
	assert.Contains(t, embed.Fields[0].Value, "12.345 uses")
	assert.Contains(t, embed.Fields[1].Value, "0/0 active")
}

func TestFetchStatsWrongSecret(t *testing.T) {
	srv := newAdminAPI(t)
	_, err := NewBotHandler(srv.URL, "nope").fetchStats()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestTestEmbedListsFailures(t *testing.T) {
	srv := newAdminAPI(t)
	h := NewBotHandler(srv.URL, "bot-secret")

	results, err := h.fetchTestAll(models.ProviderAnthropic)
	require.NoError(t, err)
	require.Len(t, results, 2)

	embed := h.testEmbed(models.ProviderAnthropic, results)
	assert.Equal(t, "1 of 2 keys responded", embed.Description)
	require.Len(t, embed.Fields, 1)
	assert.Contains(t, embed.Fields[0].Value, "sk-ant-b...(40)")
	assert.NotContains(t, embed.Fields[0].Value, "sk-ant-a")
}

func TestTestEmbedTruncatesLongFailureList(t *testing.T) {
	h := NewBotHandler("http://unused", "")
	var results []services.TestResult
	for range 100 {
		results = append(results, services.TestResult{Alias: "sk-xxxxx...(40)", Error: strings.Repeat("e", 30)})
	}

	embed := h.testEmbed(models.ProviderOpenAI, results)
	require.Len(t, embed.Fields, 1)
	assert.LessOrEqual(t, len(embed.Fields[0].Value), 1024)
	assert.Equal(t, 0xE74C3C, embed.Color)
}
