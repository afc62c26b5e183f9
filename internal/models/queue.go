package models

import "time"

// Priority orders queue items into tiers. Lower value means more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// SyncStatus is the lifecycle state of a queue item.
type SyncStatus string

const (
	// StatusPending — waiting for submission (or for the next retry window).
	StatusPending SyncStatus = "pending"
	// StatusConfirmed — the remote side durably accepted this item, but the
	// composite group it belongs to is not complete yet.
	StatusConfirmed SyncStatus = "confirmed"
	// StatusSynced — item (and its whole composite group, if any) is done.
	StatusSynced SyncStatus = "synced"
	// StatusDeadLetter — attempts exhausted or server rejected; kept for review.
	StatusDeadLetter SyncStatus = "dead_letter"
	// StatusConflict — server holds a newer version; parked for manual merge.
	StatusConflict SyncStatus = "conflict"
	// StatusArchived — evicted from the active queue by the overflow policy.
	StatusArchived SyncStatus = "archived"
)

// OperationType is the kind of business operation a queue item carries.
type OperationType string

const (
	OpOrder      OperationType = "order"
	OpPayment    OperationType = "payment"
	OpRefund     OperationType = "refund"
	OpAdjustment OperationType = "adjustment"
)

// Collection is the reference collection the operation's records live in.
func (o OperationType) Collection() string {
	switch o {
	case OpOrder:
		return "orders"
	case OpPayment:
		return "payments"
	case OpRefund:
		return "refunds"
	default:
		return "adjustments"
	}
}

// QueueItem is one pending operation awaiting synchronization.
//
// ID is a ULID, so lexicographic order equals arrival order.
// IdempotencyKey is assigned exactly once at creation and never regenerated.
type QueueItem struct {
	ID             string
	IdempotencyKey string
	SessionID      string
	Operation      OperationType
	Payload        []byte

	// OriginID correlates the item to the logical record it mutates;
	// OriginModifiedAt is the local modification time used for conflict
	// comparison against the server's version.
	OriginID         string
	OriginModifiedAt time.Time

	// CompositeID groups sub-operations (e.g. an order and its payment)
	// into one logical unit. Empty for standalone items.
	CompositeID string

	Priority      Priority
	Status        SyncStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time

	CreatedAt time.Time
	SyncedAt  time.Time
}

// QueueStats summarizes queue contents for the UI surface.
type QueueStats struct {
	Pending    int
	Confirmed  int
	Synced     int
	DeadLetter int
	Conflict   int
	Archived   int
}
