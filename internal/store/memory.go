package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/pkg/crypto"
)

// MemoryStore keeps the pool in process memory. It backs dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*models.KeyRecord
	order []string // creation order
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*models.KeyRecord),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, provider models.Provider, secret string) (*models.KeyRecord, error) {
	fp := crypto.Fingerprint(secret)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		k := s.byID[id]
		if k.Provider == provider && k.Fingerprint == fp {
			return nil, ErrDuplicateKey
		}
	}

	rec := &models.KeyRecord{
		ID:          uuid.NewString(),
		Provider:    provider,
		Secret:      secret,
		Fingerprint: fp,
		Alias:       models.AliasFor(secret),
		IsActive:    true,
		CreatedAt:   s.now().UTC(),
	}
	s.byID[rec.ID] = rec
	s.order = append(s.order, rec.ID)

	out := *rec
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRecord(k)
	return &out, nil
}

func (s *MemoryStore) ListByProvider(_ context.Context, provider models.Provider) ([]models.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []models.KeyRecord{}
	for _, id := range s.order {
		if k := s.byID[id]; k.Provider == provider {
			keys = append(keys, copyRecord(k))
		}
	}
	return keys, nil
}

func (s *MemoryStore) ListAll(_ context.Context) (map[models.Provider][]models.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[models.Provider][]models.KeyRecord)
	for _, id := range s.order {
		k := s.byID[id]
		all[k.Provider] = append(all[k.Provider], copyRecord(k))
	}
	return all, nil
}

func (s *MemoryStore) SetActive(_ context.Context, id string, active bool) (*models.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	k.IsActive = active
	out := copyRecord(k)
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, id string, succeeded bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	k.UsageCount++
	if !succeeded {
		k.ErrorCount++
	}
	t := at.UTC()
	k.LastUsedAt = &t
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (map[models.Provider]models.ProviderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[models.Provider]models.ProviderStats)
	for _, k := range s.byID {
		st := stats[k.Provider]
		st.Total++
		if k.IsActive {
			st.Active++
		}
		st.Errors += k.ErrorCount
		st.TotalUsage += k.UsageCount
		stats[k.Provider] = st
	}
	return stats, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// copyRecord detaches the LastUsedAt pointer so callers never share state
// with the store.
func copyRecord(k *models.KeyRecord) models.KeyRecord {
	out := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}
