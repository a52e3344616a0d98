package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// SQLiteCache is the default durable cache: one local database file.
type SQLiteCache struct {
	db  *sql.DB
	key string
}

// OpenSQLiteCache opens (and migrates) the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases and write ordering sane.
	db.SetMaxOpenConns(1)

	c := &SQLiteCache{db: db, key: DatasetKey}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) Close() error { return c.db.Close() }

func (c *SQLiteCache) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dataset_cache (
            cache_key TEXT PRIMARY KEY,
            payload TEXT NOT NULL,
            version INTEGER NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to migrate cache: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCache) Load(ctx context.Context) (*domain.CachedDataset, int64, error) {
	var payload string
	var version int64
	err := c.db.QueryRowContext(ctx, `SELECT payload, version FROM dataset_cache WHERE cache_key = ?`, c.key).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) || payload == clearedPayload {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read cache: %w", err)
	}
	return decodeDataset([]byte(payload), version)
}

func (c *SQLiteCache) Put(ctx context.Context, dataset *domain.CachedDataset) (int64, error) {
	payload, err := json.Marshal(dataset)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal dataset: %w", err)
	}

	var version int64
	err = c.db.QueryRowContext(ctx, `INSERT INTO dataset_cache(cache_key, payload, version, updated_at) VALUES(?, ?, 1, ?)
        ON CONFLICT(cache_key) DO UPDATE SET payload=excluded.payload, version=dataset_cache.version+1, updated_at=excluded.updated_at
        RETURNING version`, c.key, string(payload), time.Now().UTC()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to write cache: %w", err)
	}
	return version, nil
}

func (c *SQLiteCache) CompareAndPut(ctx context.Context, dataset *domain.CachedDataset, expected int64) (int64, error) {
	payload, err := json.Marshal(dataset)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal dataset: %w", err)
	}

	var row *sql.Row
	now := time.Now().UTC()
	if expected == 0 {
		row = c.db.QueryRowContext(ctx, `INSERT INTO dataset_cache(cache_key, payload, version, updated_at) VALUES(?, ?, 1, ?)
            ON CONFLICT(cache_key) DO UPDATE SET payload=excluded.payload, version=dataset_cache.version+1, updated_at=excluded.updated_at
            WHERE dataset_cache.payload = ? RETURNING version`, c.key, string(payload), now, clearedPayload)
	} else {
		row = c.db.QueryRowContext(ctx, `UPDATE dataset_cache SET payload = ?, version = version + 1, updated_at = ?
            WHERE cache_key = ? AND version = ? RETURNING version`, string(payload), now, c.key, expected)
	}

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrStaleWrite
		}
		return 0, fmt.Errorf("failed to write cache: %w", err)
	}
	return version, nil
}

// Clear keeps the row so versions never repeat.
func (c *SQLiteCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `UPDATE dataset_cache SET payload = ?, version = version + 1, updated_at = ? WHERE cache_key = ?`,
		clearedPayload, time.Now().UTC(), c.key); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func decodeDataset(payload []byte, version int64) (*domain.CachedDataset, int64, error) {
	var dataset domain.CachedDataset
	if err := json.Unmarshal(payload, &dataset); err != nil {
		return nil, version, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return &dataset, version, nil
}
