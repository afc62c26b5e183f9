package syncerrors

import (
	"context"
	"fmt"
	"time"

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

func (r *SQLiteRepository) Insert(ctx context.Context, e *models.SyncError) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_errors (queue_item_id, class, message, retryable, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.QueueItemID, e.Class, e.Message, e.Retryable, e.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert sync error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get sync error id: %w", err)
	}
	return id, nil
}

func (r *SQLiteRepository) ListRecent(ctx context.Context, limit int) ([]models.SyncError, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_item_id, class, message, retryable, created_at
		 FROM sync_errors ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync errors: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *SQLiteRepository) ListForItem(ctx context.Context, queueItemID string) ([]models.SyncError, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_item_id, class, message, retryable, created_at
		 FROM sync_errors WHERE queue_item_id=? ORDER BY id`, queueItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync errors for item: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *SQLiteRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_errors WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync errors: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Next() bool
	Scan(...any) error
	Err() error
}

func collect(rows scanner) ([]models.SyncError, error) {
	var result []models.SyncError
	for rows.Next() {
		var (
			e         models.SyncError
			retryable int
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.QueueItemID, &e.Class, &e.Message, &retryable, &createdAt); err != nil {
			return nil, err
		}
		e.Retryable = retryable == 1
		e.CreatedAt = time.UnixMilli(createdAt)
		result = append(result, e)
	}
	return result, rows.Err()
}
