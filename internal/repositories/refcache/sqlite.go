package refcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/dbx"
	"github.com/pdcretail/possync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, e *models.CacheEntry) error {
	query := `INSERT INTO cache_entries (collection, record_id, payload, data_hash, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, record_id) DO UPDATE SET
			payload = excluded.payload,
			data_hash = excluded.data_hash,
			fetched_at = excluded.fetched_at`

	_, err := r.db.ExecContext(ctx, query,
		e.Collection, e.RecordID, e.Payload, e.DataHash, e.FetchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, collection, recordID string) (*models.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT collection, record_id, payload, data_hash, fetched_at
		 FROM cache_entries WHERE collection=? AND record_id=?`, collection, recordID)

	var (
		e         models.CacheEntry
		fetchedAt int64
	)
	if err := row.Scan(&e.Collection, &e.RecordID, &e.Payload, &e.DataHash, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	e.FetchedAt = time.UnixMilli(fetchedAt)
	return &e, nil
}

func (r *SQLiteRepository) List(ctx context.Context, collection string) ([]models.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT collection, record_id, payload, data_hash, fetched_at
		 FROM cache_entries WHERE collection=? ORDER BY record_id`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var result []models.CacheEntry
	for rows.Next() {
		var (
			e         models.CacheEntry
			fetchedAt int64
		)
		if err := rows.Scan(&e.Collection, &e.RecordID, &e.Payload, &e.DataHash, &fetchedAt); err != nil {
			return nil, err
		}
		e.FetchedAt = time.UnixMilli(fetchedAt)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) DeleteAbsent(ctx context.Context, collection string, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE collection=?`, collection)
		if err != nil {
			return 0, fmt.Errorf("failed to clear cache collection: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(keep)+1)
	args = append(args, collection)
	for _, id := range keep {
		args = append(args, id)
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE collection=? AND record_id NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile cache collection: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fetched_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to evict stale cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Delete(ctx context.Context, collection, recordID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE collection=? AND record_id=?`, collection, recordID); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
