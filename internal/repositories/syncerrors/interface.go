package syncerrors

import (
	"context"
	"time"

	"github.com/pdcretail/possync/internal/models"
)

// Repository describes persistence operations for the durable error log.
type Repository interface {
	// Insert appends an error record and returns its identifier.
	Insert(ctx context.Context, e *models.SyncError) (int64, error)

	// ListRecent returns the newest records first, up to limit.
	ListRecent(ctx context.Context, limit int) ([]models.SyncError, error)

	// ListForItem returns all records for one queue item, oldest first.
	ListForItem(ctx context.Context, queueItemID string) ([]models.SyncError, error)

	// DeleteOlderThan prunes records created before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
