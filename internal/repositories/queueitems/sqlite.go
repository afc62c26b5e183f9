package queueitems

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
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

const itemColumns = `id, idempotency_key, session_id, operation, payload,
	origin_id, origin_modified_at, composite_id, priority, status,
	attempts, last_error, next_attempt_at, created_at, synced_at`

func scanItem(row interface{ Scan(...any) error }) (*models.QueueItem, error) {
	var (
		item             models.QueueItem
		sessionID        sql.NullString
		originModifiedAt int64
		nextAttemptAt    int64
		createdAt        int64
		syncedAt         sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.IdempotencyKey, &sessionID, &item.Operation,
		&item.Payload, &item.OriginID, &originModifiedAt, &item.CompositeID,
		&item.Priority, &item.Status, &item.Attempts, &item.LastError,
		&nextAttemptAt, &createdAt, &syncedAt)
	if err != nil {
		return nil, err
	}
	item.SessionID = sessionID.String
	if originModifiedAt > 0 {
		item.OriginModifiedAt = time.UnixMilli(originModifiedAt)
	}
	if nextAttemptAt > 0 {
		item.NextAttemptAt = time.UnixMilli(nextAttemptAt)
	}
	item.CreatedAt = time.UnixMilli(createdAt)
	if syncedAt.Valid {
		item.SyncedAt = time.UnixMilli(syncedAt.Int64)
	}
	return &item, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, item *models.QueueItem) error {
	query := `INSERT INTO queue_items
		(id, idempotency_key, session_id, operation, payload, origin_id,
		 origin_modified_at, composite_id, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var sessionID any
	if item.SessionID != "" {
		sessionID = item.SessionID
	}
	var originModifiedAt int64
	if !item.OriginModifiedAt.IsZero() {
		originModifiedAt = item.OriginModifiedAt.UnixMilli()
	}

	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.IdempotencyKey, sessionID, item.Operation, item.Payload,
		item.OriginID, originModifiedAt, item.CompositeID, item.Priority,
		models.StatusPending, item.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.QueueItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id=?`, id)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// NextBatch selects due pending items honoring the priority quota. The quota
// share goes to the highest tier present; the rest is pure arrival order over
// the lower tiers, backfilled from the top tier if the lower tiers run dry.
func (r *SQLiteRepository) NextBatch(ctx context.Context, now time.Time, max int, quota float64) ([]*models.QueueItem, error) {
	if max <= 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()

	var topTier sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(priority) FROM queue_items WHERE status='pending' AND next_attempt_at <= ?`,
		nowMs).Scan(&topTier)
	if err != nil {
		return nil, fmt.Errorf("failed to find top priority tier: %w", err)
	}
	if !topTier.Valid {
		return nil, nil
	}

	reserve := int(math.Ceil(quota * float64(max)))
	if reserve < 1 {
		reserve = 1
	}
	if reserve > max {
		reserve = max
	}

	batch := make([]*models.QueueItem, 0, max)
	seen := make(map[string]struct{}, max)

	collect := func(query string, args ...any) error {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to select queue batch: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			batch = append(batch, item)
		}
		return rows.Err()
	}

	// Reserved share for the most urgent tier present, arrival order.
	err = collect(`SELECT `+itemColumns+` FROM queue_items
		WHERE status='pending' AND next_attempt_at <= ? AND priority = ?
		ORDER BY id LIMIT ?`, nowMs, topTier.Int64, reserve)
	if err != nil {
		return nil, err
	}

	// Remainder from lower tiers in arrival order.
	if remaining := max - len(batch); remaining > 0 {
		err = collect(`SELECT `+itemColumns+` FROM queue_items
			WHERE status='pending' AND next_attempt_at <= ? AND priority > ?
			ORDER BY id LIMIT ?`, nowMs, topTier.Int64, remaining)
		if err != nil {
			return nil, err
		}
	}

	// Backfill from the top tier so a batch is never short while work is due.
	if remaining := max - len(batch); remaining > 0 {
		err = collect(`SELECT `+itemColumns+` FROM queue_items
			WHERE status='pending' AND next_attempt_at <= ? AND priority = ?
			ORDER BY id LIMIT ?`, nowMs, topTier.Int64, max)
		if err != nil {
			return nil, err
		}
		if len(batch) > max {
			batch = batch[:max]
		}
	}

	return batch, nil
}

func (r *SQLiteRepository) MarkConfirmed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status=?, attempts=attempts+1, last_error='' WHERE id=? AND status=?`,
		models.StatusConfirmed, id, models.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to confirm queue item: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, ids []string, now time.Time) error {
	nowMs := now.UnixMilli()
	for _, id := range ids {
		res, err := r.db.ExecContext(ctx,
			`UPDATE queue_items SET status=?, synced_at=? WHERE id=? AND status IN (?, ?)`,
			models.StatusSynced, nowMs, id, models.StatusPending, models.StatusConfirmed)
		if err != nil {
			return fmt.Errorf("failed to mark queue item synced: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, message string, nextAttemptAt time.Time, toDeadLetter bool) error {
	status := models.StatusPending
	if toDeadLetter {
		status = models.StatusDeadLetter
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status=?, attempts=attempts+1, last_error=?, next_attempt_at=? WHERE id=?`,
		status, message, nextAttemptAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item failed: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) MarkConflict(ctx context.Context, id string, message string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status=?, last_error=? WHERE id=?`,
		models.StatusConflict, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item conflicted: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) UnconfirmedInComposite(ctx context.Context, compositeID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE composite_id=? AND status NOT IN (?, ?)`,
		compositeID, models.StatusConfirmed, models.StatusSynced).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count composite members: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) ConfirmedMemberIDs(ctx context.Context, compositeID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM queue_items WHERE composite_id=? AND status=? ORDER BY id`,
		compositeID, models.StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to list composite members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *SQLiteRepository) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status <> ?`,
		models.StatusArchived).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued items: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) ArchiveCompleted(ctx context.Context, keep int, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET status=? WHERE id IN (
			SELECT id FROM queue_items WHERE status=? ORDER BY id DESC
			LIMIT -1 OFFSET ?)`,
		models.StatusArchived, models.StatusSynced, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to archive queue items: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Stats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status models.SyncStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case models.StatusPending:
			stats.Pending = n
		case models.StatusConfirmed:
			stats.Confirmed = n
		case models.StatusSynced:
			stats.Synced = n
		case models.StatusDeadLetter:
			stats.DeadLetter = n
		case models.StatusConflict:
			stats.Conflict = n
		case models.StatusArchived:
			stats.Archived = n
		}
	}
	return stats, rows.Err()
}

func requireOneRow(res sql.Result) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("wrong rows affected count: %d", ra)
	}
	return nil
}
