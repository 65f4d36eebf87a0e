package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/pkg/crypto"
)

const keyColumns = `id, provider, encrypted_key, alias, is_active, usage_count, error_count, last_used_at, created_at`

// PostgresStore persists the pool in the api_keys table. Secrets are sealed
// with AES-GCM; uniqueness is enforced on their SHA-256 fingerprint.
type PostgresStore struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

func NewPostgresStore(db *sql.DB, sealer *crypto.Sealer) *PostgresStore {
	return &PostgresStore{db: db, sealer: sealer}
}

func (s *PostgresStore) Create(ctx context.Context, provider models.Provider, secret string) (*models.KeyRecord, error) {
	encrypted, err := s.sealer.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}

	rec := &models.KeyRecord{
		Provider:    provider,
		Secret:      secret,
		Fingerprint: crypto.Fingerprint(secret),
		Alias:       models.AliasFor(secret),
	}

	query := `
		INSERT INTO api_keys (provider, encrypted_key, secret_hash, alias)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, secret_hash) DO NOTHING
		RETURNING id, is_active, usage_count, error_count, last_used_at, created_at
	`
	var lastUsed sql.NullTime
	err = s.db.QueryRowContext(ctx, query, string(provider), encrypted, rec.Fingerprint, rec.Alias).
		Scan(&rec.ID, &rec.IsActive, &rec.UsageCount, &rec.ErrorCount, &lastUsed, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert key: %w", err)
	}
	if lastUsed.Valid {
		rec.LastUsedAt = &lastUsed.Time
	}
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.KeyRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	rec, err := s.scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByProvider(ctx context.Context, provider models.Provider) ([]models.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE provider = $1 ORDER BY created_at, id`, string(provider))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := []models.KeyRecord{}
	for rows.Next() {
		rec, err := s.scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, *rec)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) ListAll(ctx context.Context) (map[models.Provider][]models.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys ORDER BY provider, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	all := make(map[models.Provider][]models.KeyRecord)
	for rows.Next() {
		rec, err := s.scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		all[rec.Provider] = append(all[rec.Provider], *rec)
	}
	return all, rows.Err()
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) (*models.KeyRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE api_keys SET is_active = $2 WHERE id = $1 RETURNING `+keyColumns, id, active)
	rec, err := s.scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update key status: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordUsage bumps the counters in a single statement so concurrent
// probes of the same key serialize on the row lock.
func (s *PostgresStore) RecordUsage(ctx context.Context, id string, succeeded bool, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	errDelta := 1
	if succeeded {
		errDelta = 0
	}

	query := `
		UPDATE api_keys
		SET usage_count = usage_count + 1,
			error_count = error_count + $2,
			last_used_at = $3
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, id, errDelta, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (map[models.Provider]models.ProviderStats, error) {
	query := `
		SELECT provider,
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COALESCE(SUM(error_count), 0),
			COALESCE(SUM(usage_count), 0)
		FROM api_keys
		GROUP BY provider
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.Provider]models.ProviderStats)
	for rows.Next() {
		var provider string
		var st models.ProviderStats
		if err := rows.Scan(&provider, &st.Total, &st.Active, &st.Errors, &st.TotalUsage); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats[models.Provider(provider)] = st
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanKey reads one keyColumns row. A secret that fails to decrypt (e.g.
// after an ENCRYPTION_KEY rotation) is logged and left empty so listings
// keep working; the prober reports such keys as unavailable.
func (s *PostgresStore) scanKey(row rowScanner) (*models.KeyRecord, error) {
	var (
		rec       models.KeyRecord
		provider  string
		encrypted string
		lastUsed  sql.NullTime
	)
	if err := row.Scan(&rec.ID, &provider, &encrypted, &rec.Alias, &rec.IsActive,
		&rec.UsageCount, &rec.ErrorCount, &lastUsed, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Provider = models.Provider(provider)
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}

	secret, err := s.sealer.Open(encrypted)
	if err != nil {
		log.Error().Err(err).Str("key_id", rec.ID).Msg("Failed to decrypt key")
	} else {
		rec.Secret = secret
		rec.Fingerprint = crypto.Fingerprint(secret)
	}
	return &rec, nil
}
