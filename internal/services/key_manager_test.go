package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akagifreeez/aiverse/internal/config"
	"github.com/akagifreeez/aiverse/internal/events"
	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/internal/store"
	"github.com/akagifreeez/aiverse/pkg/providers"
)

const openAIKey = "sk-AAAAAAAAAAAAAAAAAAAA"

type stubAdapter struct {
	provider models.Provider
	calls    atomic.Int32
	probe    func(ctx context.Context, secret string) (providers.ProbeOutcome, error)
}

func (s *stubAdapter) Provider() models.Provider { return s.provider }

func (s *stubAdapter) Validate(secret string) bool { return providers.IsAcceptable(s.provider, secret) }

func (s *stubAdapter) Probe(ctx context.Context, secret string) (providers.ProbeOutcome, error) {
	s.calls.Add(1)
	if s.probe == nil {
		return providers.ProbeOutcome{}, nil
	}
	return s.probe(ctx, secret)
}

// flakyStore fails Create for selected secrets and can pretend to be down
type flakyStore struct {
	*store.MemoryStore
	failOn  map[string]bool
	pingErr error
}

func (f *flakyStore) Create(ctx context.Context, p models.Provider, secret string) (*models.KeyRecord, error) {
	if f.failOn[secret] {
		return nil, errors.New("disk full")
	}
	return f.MemoryStore.Create(ctx, p, secret)
}

func (f *flakyStore) Ping(context.Context) error { return f.pingErr }

type failingLimiter struct{}

func (failingLimiter) Wait(ctx context.Context, _ models.Provider) error {
	return context.DeadlineExceeded
}

func newTestManager(t *testing.T, adapters ...providers.Adapter) (*KeyManager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if len(adapters) == 0 {
		adapters = []providers.Adapter{&stubAdapter{provider: models.ProviderOpenAI}}
	}
	km := NewKeyManager(st, providers.NewRegistry(adapters...), &config.Config{
		ProbeTimeout:     time.Second,
		ProbeConcurrency: 4,
	})
	return km, st
}

// elevenLabsServer fakes the subscription endpoint. Keys listed in
// rejected get a 401 and keys in hung never get an answer.
func elevenLabsServer(t *testing.T, rejected, hung map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("xi-api-key")
		switch {
		case hung[key]:
			<-r.Context().Done()
		case rejected[key]:
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":{"status":"invalid_api_key"}}`)
		default:
			fmt.Fprint(w, `{"character_count":100,"character_limit":10000}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func elevenLabsManager(t *testing.T, srv *httptest.Server, timeout time.Duration) (*KeyManager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := providers.NewRegistry(providers.NewElevenLabsAdapter(srv.URL, srv.Client()))
	return NewKeyManager(st, reg, &config.Config{ProbeTimeout: timeout, ProbeConcurrency: 8}), st
}

func TestImportBulk_ReimportSkipsExisting(t *testing.T) {
	km, st := newTestManager(t)
	ctx := context.Background()

	res, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{openAIKey})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 0, res.Skipped)
	require.Len(t, res.ImportedIDs, 1)

	res, err = km.ImportBulk(ctx, models.ProviderOpenAI, []string{openAIKey})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Skipped)

	keys, err := st.ListByProvider(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestImportBulk_InvalidKeyIsSkipped(t *testing.T) {
	km, st := newTestManager(t)
	ctx := context.Background()

	res, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{"short"})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 0, Skipped: 1, ImportedIDs: []string{}}, res)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestImportBulk_FirstOccurrenceWins(t *testing.T) {
	km, st := newTestManager(t)
	ctx := context.Background()

	other := "sk-BBBBBBBBBBBBBBBBBBBB"
	res, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{
		"  " + openAIKey + "  ",
		"",
		"   ",
		openAIKey,
		other,
		"pk-not-an-openai-key-at-all",
	})
	require.NoError(t, err)
	// Blank entries are dropped before counting
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Skipped)

	keys, err := st.ListByProvider(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, openAIKey, keys[0].Secret)
	assert.Equal(t, []string{keys[0].ID, keys[1].ID}, res.ImportedIDs)
}

func TestImportBulk_ContinuesPastStoreErrors(t *testing.T) {
	mem := store.NewMemoryStore()
	st := &flakyStore{MemoryStore: mem, failOn: map[string]bool{"sk-FAILFAILFAILFAILFAIL": true}}
	km := NewKeyManager(st, providers.NewRegistry(&stubAdapter{provider: models.ProviderOpenAI}), nil)
	ctx := context.Background()

	res, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{
		openAIKey, "sk-FAILFAILFAILFAILFAIL", "sk-CCCCCCCCCCCCCCCCCCCC",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Failed)

	keys, err := mem.ListByProvider(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestImportBulk_StoreDown(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()

	down := &flakyStore{MemoryStore: mem, pingErr: errors.New("connection refused")}
	km := NewKeyManager(down, providers.NewDefaultRegistry(nil, nil), nil)
	_, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{openAIKey})
	assert.ErrorContains(t, err, "key store unavailable")

	allFail := &flakyStore{MemoryStore: mem, failOn: map[string]bool{openAIKey: true}}
	km = NewKeyManager(allFail, providers.NewDefaultRegistry(nil, nil), nil)
	res, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{openAIKey})
	assert.Error(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestImportBulk_UnknownProvider(t *testing.T) {
	km, _ := newTestManager(t)
	_, err := km.ImportBulk(context.Background(), models.Provider("cohere"), []string{openAIKey})
	assert.ErrorIs(t, err, providers.ErrUnsupportedProvider)
}

func TestAddKey_ReportsErrors(t *testing.T) {
	km, _ := newTestManager(t)
	ctx := context.Background()

	_, err := km.AddKey(ctx, models.ProviderOpenAI, "short")
	var verr *providers.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, providers.ErrInvalidKeyFormat)

	rec, err := km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)
	assert.True(t, rec.IsActive)

	_, err = km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestListKeys_ExactlyOneRecordWithAlias(t *testing.T) {
	km, _ := newTestManager(t)
	ctx := context.Background()

	_, err := km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)

	views, err := km.ListKeys(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, models.AliasFor(openAIKey), views[0].Alias)

	all, err := km.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	raw, err := json.Marshal(views)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), openAIKey)
}

func TestTest_ProviderRejectsKey(t *testing.T) {
	const key = "eleven-rejected-0000000000"
	srv := elevenLabsServer(t, map[string]bool{key: true}, nil)
	km, st := elevenLabsManager(t, srv, 2*time.Second)
	ctx := context.Background()

	rec, err := st.Create(ctx, models.ProviderElevenLabs, key)
	require.NoError(t, err)

	res, err := km.Test(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "authentication")
	assert.Nil(t, res.TokensRemaining)

	got, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ErrorCount)
	assert.EqualValues(t, 1, got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)
}

func TestTest_SuccessReportsQuota(t *testing.T) {
	const key = "eleven-good-000000000000"
	srv := elevenLabsServer(t, nil, nil)
	km, st := elevenLabsManager(t, srv, 2*time.Second)
	ctx := context.Background()

	rec, err := st.Create(ctx, models.ProviderElevenLabs, key)
	require.NoError(t, err)

	res, err := km.Test(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.TokensRemaining)
	assert.EqualValues(t, 9900, *res.TokensRemaining)

	q, err := km.Quota(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, q.Remaining)
	assert.EqualValues(t, 9900, *q.Remaining)
	assert.EqualValues(t, 10000, *q.Total)
	assert.Equal(t, "characters", q.Type)

	got, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.UsageCount)
	assert.Zero(t, got.ErrorCount)
}

func TestTestAll_HungKeyTimesOutAlone(t *testing.T) {
	keys := []string{
		"eleven-key-000000000001",
		"eleven-key-000000000002",
		"eleven-key-000000000003",
		"eleven-key-000000000004",
		"eleven-key-000000000005",
	}
	hung := keys[2]
	srv := elevenLabsServer(t, nil, map[string]bool{hung: true})
	km, st := elevenLabsManager(t, srv, 300*time.Millisecond)
	ctx := context.Background()

	for _, k := range keys {
		_, err := st.Create(ctx, models.ProviderElevenLabs, k)
		require.NoError(t, err)
	}

	start := time.Now()
	results, err := km.TestAll(ctx, models.ProviderElevenLabs)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, models.AliasFor(keys[i]), res.Alias, "results keep listing order")
		if keys[i] == hung {
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, "timeout")
			assert.GreaterOrEqual(t, res.ResponseTimeMs, int64(250))
			continue
		}
		assert.True(t, res.Success, "key %d: %s", i, res.Error)
	}

	listed, err := st.ListByProvider(ctx, models.ProviderElevenLabs)
	require.NoError(t, err)
	for _, k := range listed {
		assert.EqualValues(t, 1, k.UsageCount)
	}
}

func TestTestAll_IncludesInactiveKeys(t *testing.T) {
	adapter := &stubAdapter{provider: models.ProviderOpenAI}
	km, st := newTestManager(t, adapter)
	ctx := context.Background()

	rec, err := km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)
	_, err = km.SetActive(ctx, rec.ID, false)
	require.NoError(t, err)

	results, err := km.TestAll(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.EqualValues(t, 1, adapter.calls.Load())

	got, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive, "testing never re-enables a key")
}

func TestTest_LimiterTimeoutIsAFailedResult(t *testing.T) {
	adapter := &stubAdapter{provider: models.ProviderOpenAI}
	km, st := newTestManager(t, adapter)
	km.SetLimiter(failingLimiter{})
	ctx := context.Background()

	rec, err := km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)

	res, err := km.Test(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Error)
	assert.Zero(t, res.ResponseTimeMs)
	assert.Zero(t, adapter.calls.Load())

	// Nothing reached the provider, so the key's history is untouched
	got, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
	assert.Zero(t, got.ErrorCount)
	assert.Nil(t, got.LastUsedAt)
}

func TestTestAll_ThrottledKeysKeepTheirCounters(t *testing.T) {
	adapter := &stubAdapter{provider: models.ProviderOpenAI}
	km, st := newTestManager(t, adapter)
	km.SetLimiter(providers.NewLocalLimiter(1))
	ctx := context.Background()

	for _, k := range []string{"sk-AAAAAAAAAAAAAAAAAAAA", "sk-BBBBBBBBBBBBBBBBBBBB", "sk-CCCCCCCCCCCCCCCCCCCC"} {
		_, err := km.AddKey(ctx, models.ProviderOpenAI, k)
		require.NoError(t, err)
	}

	results, err := km.TestAll(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.EqualValues(t, 1, adapter.calls.Load())

	var used, throttled int
	for _, r := range results {
		if r.Success {
			used++
		} else {
			throttled++
			assert.Equal(t, "timeout", r.ErrorKind)
		}
	}
	assert.Equal(t, 1, used)
	assert.Equal(t, 2, throttled)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[models.ProviderOpenAI].TotalUsage)
	assert.Zero(t, stats[models.ProviderOpenAI].Errors)
}

func TestTest_CancelledCallerIsNotRecorded(t *testing.T) {
	adapter := &stubAdapter{provider: models.ProviderOpenAI}
	km, st := newTestManager(t, adapter)
	km.SetLimiter(providers.NewLocalLimiter(60))

	rec, err := km.AddKey(context.Background(), models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 2 {
		res, err := km.Test(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "cancelled", res.ErrorKind)
	}
	assert.Zero(t, adapter.calls.Load())

	got, err := st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
	assert.Zero(t, got.ErrorCount)
}

func TestTest_UnknownID(t *testing.T) {
	km, _ := newTestManager(t)
	_, err := km.Test(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTest_PublishesMaskedEvent(t *testing.T) {
	adapter := &stubAdapter{
		provider: models.ProviderOpenAI,
		probe: func(context.Context, string) (providers.ProbeOutcome, error) {
			return providers.ProbeOutcome{}, &providers.ProbeError{Kind: providers.ErrProviderAuth, StatusCode: 401}
		},
	}
	km, _ := newTestManager(t, adapter)
	bus := events.NewBus()
	km.SetPublisher(bus)
	ctx := context.Background()

	rec, err := km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)

	ch, cancel := bus.Subscribe()
	defer cancel()
	_, err = km.Test(ctx, rec.ID)
	require.NoError(t, err)

	e := <-ch
	assert.Equal(t, events.KeyTested, e.Type)
	require.NotNil(t, e.Test)
	assert.Equal(t, "auth", e.Test.Kind)
	assert.EqualValues(t, 1, e.Key.ErrorCount)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), openAIKey)
}

func TestSetActive_DeletedKeyIsNotFound(t *testing.T) {
	km, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)
	require.NoError(t, km.DeleteKey(ctx, rec.ID))

	_, err = km.SetActive(ctx, rec.ID, true)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, km.DeleteKey(ctx, rec.ID), store.ErrNotFound)
}

func TestSetActive_Idempotent(t *testing.T) {
	km, _ := newTestManager(t)
	ctx := context.Background()

	rec, err := km.AddKey(ctx, models.ProviderOpenAI, openAIKey)
	require.NoError(t, err)

	once, err := km.SetActive(ctx, rec.ID, true)
	require.NoError(t, err)
	twice, err := km.SetActive(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestStatsByProvider_MatchesListing(t *testing.T) {
	km, st := newTestManager(t)
	ctx := context.Background()

	res, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{
		openAIKey, "sk-BBBBBBBBBBBBBBBBBBBB", "sk-CCCCCCCCCCCCCCCCCCCC",
	})
	require.NoError(t, err)
	_, err = km.SetActive(ctx, res.ImportedIDs[1], false)
	require.NoError(t, err)
	require.NoError(t, km.RecordUse(ctx, res.ImportedIDs[0], false))
	require.NoError(t, km.RecordUse(ctx, res.ImportedIDs[0], true))

	stats, err := km.StatsByProvider(ctx)
	require.NoError(t, err)
	for _, p := range models.Providers {
		assert.Contains(t, stats, p)
	}
	assert.Equal(t, models.ProviderStats{Total: 3, Active: 2, Errors: 1, TotalUsage: 2}, stats[models.ProviderOpenAI])

	listed, err := st.ListByProvider(ctx, models.ProviderOpenAI)
	require.NoError(t, err)
	assert.EqualValues(t, len(listed), stats[models.ProviderOpenAI].Total)
}

func TestPickKey_RoundRobinOverActiveKeys(t *testing.T) {
	km, _ := newTestManager(t)
	ctx := context.Background()

	_, err := km.PickKey(ctx, models.ProviderOpenAI)
	assert.ErrorIs(t, err, ErrNoActiveKey)

	res, err := km.ImportBulk(ctx, models.ProviderOpenAI, []string{
		openAIKey, "sk-BBBBBBBBBBBBBBBBBBBB", "sk-CCCCCCCCCCCCCCCCCCCC",
	})
	require.NoError(t, err)
	disabled := res.ImportedIDs[1]
	require.NoError(t, km.DisableKey(ctx, disabled, "test"))

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		k, err := km.PickKey(ctx, models.ProviderOpenAI)
		require.NoError(t, err)
		seen[k.ID]++
	}
	assert.NotContains(t, seen, disabled)
	assert.Equal(t, 3, seen[res.ImportedIDs[0]])
	assert.Equal(t, 3, seen[res.ImportedIDs[2]])
}

func TestParseKeyList(t *testing.T) {
	got := ParseKeyList("sk-a\r\nsk-b, sk-c\n\n,sk-d")
	trimmed := make([]string, 0, len(got))
	for _, s := range got {
		if s = strings.TrimSpace(s); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	assert.Equal(t, []string{"sk-a", "sk-b", "sk-c", "sk-d"}, trimmed)
}
