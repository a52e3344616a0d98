/**
 * @description
 * Storage for the two client-side lifetimes: the session-scoped store (tokens and
 * navigation, gone when the session ends) and the durable dataset cache (last
 * known good server response, survives logout).
 */
package store

import (
	"context"
	"errors"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

// DatasetKey is the fixed cache entry name of the dataset.
const DatasetKey = "collections.dataset"

// clearedPayload marks a cleared entry. The row stays behind so its version
// keeps counting up and a writer holding a pre-clear version is rejected.
const clearedPayload = "null"

var (
	// ErrStaleWrite is returned by CompareAndPut when another writer changed the entry.
	ErrStaleWrite = errors.New("dataset cache entry changed since it was read")
	// ErrCorruptEntry is returned when a stored value cannot be decoded.
	ErrCorruptEntry = errors.New("stored entry is corrupt")
)

// SessionStore holds the session between invocations. Load returns a zero
// Session when nothing is stored.
type SessionStore interface {
	Load(ctx context.Context) (domain.Session, error)
	Save(ctx context.Context, session domain.Session) error
	Clear(ctx context.Context) error
}

// DatasetCache is the durable cache. Versions start at 1 and never repeat,
// even across Clear; version 0 means no entry.
type DatasetCache interface {
	// Load returns the cached dataset, or nil and version 0 when absent.
	Load(ctx context.Context) (*domain.CachedDataset, int64, error)
	// Put overwrites the entry and returns the new version.
	Put(ctx context.Context, dataset *domain.CachedDataset) (int64, error)
	// CompareAndPut writes only if the stored version still equals expected.
	CompareAndPut(ctx context.Context, dataset *domain.CachedDataset, expected int64) (int64, error)
	Clear(ctx context.Context) error
	Close() error
}
