package models

import "time"

// ErrorClass classifies a sync failure for retry policy and UI display.
type ErrorClass string

const (
	ClassTransientNetwork ErrorClass = "transient_network"
	ClassServerRejected   ErrorClass = "server_rejected"
	ClassConflict         ErrorClass = "conflict"
	ClassDuplicate        ErrorClass = "duplicate"
	ClassQuotaExceeded    ErrorClass = "quota_exceeded"
	ClassQueueOverflow    ErrorClass = "queue_overflow"
)

// SyncError is a durable failure record the UI can query, so exhausted
// retries never vanish into a transient toast.
type SyncError struct {
	ID          int64
	QueueItemID string
	Class       ErrorClass
	Message     string
	Retryable   bool
	CreatedAt   time.Time
}
