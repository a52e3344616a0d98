package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// PostgresCache is a durable cache shared by several operators or instances.
type PostgresCache struct {
	db  *pgxpool.Pool
	key string
}

// NewPostgresCache creates the cache table if it does not exist.
func NewPostgresCache(ctx context.Context, db *pgxpool.Pool) (*PostgresCache, error) {
	query := `
        CREATE TABLE IF NOT EXISTS dataset_cache (
            cache_key TEXT PRIMARY KEY,
            payload JSONB NOT NULL,
            version BIGINT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )
    `
	if _, err := db.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to migrate cache: %w", err)
	}
	return &PostgresCache{db: db, key: DatasetKey}, nil
}

func (p *PostgresCache) Close() error {
	p.db.Close()
	return nil
}

func (p *PostgresCache) Load(ctx context.Context) (*domain.CachedDataset, int64, error) {
	var payload []byte
	var version int64
	err := p.db.QueryRow(ctx, `SELECT payload, version FROM dataset_cache WHERE cache_key = $1`, p.key).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) || string(payload) == clearedPayload {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read cache: %w", err)
	}
	return decodeDataset(payload, version)
}

func (p *PostgresCache) Put(ctx context.Context, dataset *domain.CachedDataset) (int64, error) {
	payload, err := json.Marshal(dataset)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal dataset: %w", err)
	}

	query := `
        INSERT INTO dataset_cache (cache_key, payload, version)
        VALUES ($1, $2, 1)
        ON CONFLICT (cache_key) DO UPDATE
        SET payload = EXCLUDED.payload,
            version = dataset_cache.version + 1,
            updated_at = NOW()
        RETURNING version
    `
	var version int64
	if err := p.db.QueryRow(ctx, query, p.key, payload).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to write cache: %w", err)
	}
	return version, nil
}

func (p *PostgresCache) CompareAndPut(ctx context.Context, dataset *domain.CachedDataset, expected int64) (int64, error) {
	payload, err := json.Marshal(dataset)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal dataset: %w", err)
	}

	var row pgx.Row
	if expected == 0 {
		row = p.db.QueryRow(ctx, `
            INSERT INTO dataset_cache (cache_key, payload, version)
            VALUES ($1, $2, 1)
            ON CONFLICT (cache_key) DO UPDATE
            SET payload = EXCLUDED.payload,
                version = dataset_cache.version + 1,
                updated_at = NOW()
            WHERE dataset_cache.payload = 'null'::jsonb
            RETURNING version
        `, p.key, payload)
	} else {
		row = p.db.QueryRow(ctx, `
            UPDATE dataset_cache
            SET payload = $2, version = version + 1, updated_at = NOW()
            WHERE cache_key = $1 AND version = $3
            RETURNING version
        `, p.key, payload, expected)
	}

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrStaleWrite
		}
		return 0, fmt.Errorf("failed to write cache: %w", err)
	}
	return version, nil
}

// Clear keeps the row so versions never repeat.
func (p *PostgresCache) Clear(ctx context.Context) error {
	query := `
        UPDATE dataset_cache
        SET payload = 'null'::jsonb, version = version + 1, updated_at = NOW()
        WHERE cache_key = $1
    `
	if _, err := p.db.Exec(ctx, query, p.key); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}
