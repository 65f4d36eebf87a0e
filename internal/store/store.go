package store

import (
	"context"
	"errors"
	"time"

	"github.com/akagifreeez/aiverse/internal/models"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrDuplicateKey = errors.New("key already exists for provider")
)

// Store is the durable home of the key pool. Implementations must be safe
// for concurrent use, and RecordUsage must never lose an increment.
type Store interface {
	Create(ctx context.Context, provider models.Provider, secret string) (*models.KeyRecord, error)
	Get(ctx context.Context, id string) (*models.KeyRecord, error)
	ListByProvider(ctx context.Context, provider models.Provider) ([]models.KeyRecord, error)
	ListAll(ctx context.Context) (map[models.Provider][]models.KeyRecord, error)
	SetActive(ctx context.Context, id string, active bool) (*models.KeyRecord, error)
	Delete(ctx context.Context, id string) error
	RecordUsage(ctx context.Context, id string, succeeded bool, at time.Time) error
	Stats(ctx context.Context) (map[models.Provider]models.ProviderStats, error)
	Ping(ctx context.Context) error
}
