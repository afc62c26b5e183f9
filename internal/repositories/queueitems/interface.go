package queueitems

import (
	"context"
	"time"

	"github.com/pdcretail/possync/internal/models"
)

// Repository describes persistence operations for queue items.
// Implementations are backed by the local SQLite store and work on either a
// plain connection or a transaction handle.
type Repository interface {
	// Insert stores a new item. The idempotency key is written once here and
	// is never updated afterwards.
	Insert(ctx context.Context, item *models.QueueItem) error

	// GetByID returns a single item or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.QueueItem, error)

	// NextBatch returns up to max due pending items. A bounded share of the
	// batch (quota, 0..1) is reserved for the highest-priority tier present;
	// the remainder is filled from lower tiers in arrival order so normal
	// work is never starved.
	NextBatch(ctx context.Context, now time.Time, max int, quota float64) ([]*models.QueueItem, error)

	// MarkConfirmed records that the remote side durably accepted the item.
	MarkConfirmed(ctx context.Context, id string) error

	// MarkSynced finishes items whose whole composite group is confirmed.
	MarkSynced(ctx context.Context, ids []string, now time.Time) error

	// MarkFailed bumps the attempt counter and schedules the next retry, or
	// parks the item in dead_letter when toDeadLetter is set.
	MarkFailed(ctx context.Context, id string, message string, nextAttemptAt time.Time, toDeadLetter bool) error

	// MarkConflict parks the item for manual merge; it is never retried and
	// never deleted automatically.
	MarkConflict(ctx context.Context, id string, message string) error

	// UnconfirmedInComposite counts group members not yet confirmed or synced.
	UnconfirmedInComposite(ctx context.Context, compositeID string) (int, error)

	// ConfirmedMemberIDs lists confirmed members of a composite group.
	ConfirmedMemberIDs(ctx context.Context, compositeID string) ([]string, error)

	// CountQueued counts rows occupying the bounded queue: every status
	// except archived. Archiving completed work is what frees capacity.
	CountQueued(ctx context.Context) (int, error)

	// ArchiveCompleted moves synced items beyond keep out of the active set,
	// oldest first. Pending work is never archived.
	ArchiveCompleted(ctx context.Context, keep int, now time.Time) (int64, error)

	// Stats summarizes the queue for the UI surface.
	Stats(ctx context.Context) (*models.QueueStats, error)
}
