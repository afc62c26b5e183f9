package refcache

import (
	"context"
	"time"

	"github.com/pdcretail/possync/internal/models"
)

// Repository describes persistence operations for cached reference data
// (catalog items, categories, payment methods, tax rules, users, configs).
type Repository interface {
	// Upsert inserts or replaces a cache entry.
	Upsert(ctx context.Context, e *models.CacheEntry) error

	// Get returns one entry or common.ErrNotFound.
	Get(ctx context.Context, collection, recordID string) (*models.CacheEntry, error)

	// List returns every entry of a collection.
	List(ctx context.Context, collection string) ([]models.CacheEntry, error)

	// DeleteAbsent removes entries of a collection whose record IDs are not
	// in keep. This is how upstream deletions are reconciled instead of
	// being appended over.
	DeleteAbsent(ctx context.Context, collection string, keep []string) (int64, error)

	// DeleteOlderThan evicts entries fetched before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Delete removes a single entry.
	Delete(ctx context.Context, collection, recordID string) error
}
