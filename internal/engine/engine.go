// Package engine drains the persisted queue to the central server.
//
// Ordering, retry, and conflict rules live here; durability rules live in the
// store and repositories. The engine never deletes queue items: failures are
// parked (dead_letter, conflict) and successes are marked synced, so every
// operation leaves an auditable trail.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/dbx"
	"github.com/pdcretail/possync/internal/events"
	"github.com/pdcretail/possync/internal/logging"
	"github.com/pdcretail/possync/internal/models"
	"github.com/pdcretail/possync/internal/monitor"
	"github.com/pdcretail/possync/internal/remote"
	"github.com/pdcretail/possync/internal/repositories/queueitems"
	"github.com/pdcretail/possync/internal/repositories/refcache"
	"github.com/pdcretail/possync/internal/repositories/syncerrors"
	"github.com/pdcretail/possync/internal/store"
)

// Link reports whether the server is worth talking to right now.
type Link interface {
	State() monitor.State
}

// Config bounds the drain behaviour.
type Config struct {
	// BatchSize is the max number of items pulled per drain round.
	BatchSize int
	// PriorityQuota is the batch share reserved for the top priority tier.
	PriorityQuota float64
	// MaxAttempts caps deliveries before an item goes dead_letter.
	MaxAttempts int
	// BackoffBase and BackoffCap bound the per-item retry schedule.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// DrainInterval is the cadence of periodic drain rounds while reachable.
	DrainInterval time.Duration
	// RefreshCollections are reference collections re-fetched when
	// connectivity returns, so stale cached data does not outlive an outage.
	RefreshCollections []string
}

// Engine submits queued operations, resolves composite groups, refreshes the
// reference cache, and records failures durably.
type Engine struct {
	store  *store.Store
	client remote.Client
	link   Link
	bus    *events.Bus
	cfg    Config
	log    logging.Logger

	draining atomic.Bool
	kick     chan struct{}
}

func New(st *store.Store, client remote.Client, link Link, bus *events.Bus, cfg Config, log logging.Logger) *Engine {
	return &Engine{
		store:  st,
		client: client,
		link:   link,
		bus:    bus,
		cfg:    cfg,
		log:    log.With("component", "engine"),
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests a drain round without blocking. Used by the enqueue fast
// path: a new item while reachable should not wait for the next tick.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drains on connectivity restoration, on Kick, and on a periodic tick,
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ch, cancel := e.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == events.ConnectionRestored {
				e.drain(ctx)
				if len(e.cfg.RefreshCollections) > 0 {
					if err := e.RefreshCollections(ctx, e.cfg.RefreshCollections...); err != nil {
						e.log.Warn(ctx, "cache refresh after reconnect failed", "error", err)
					}
				}
			}
		case <-e.kick:
			e.drain(ctx)
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

// Drain runs one full drain cycle immediately. Concurrent calls collapse
// into the one already in flight.
func (e *Engine) Drain(ctx context.Context) error {
	return e.drain(ctx)
}

func (e *Engine) drain(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)

	if !e.link.State().Reachable() {
		return nil
	}

	e.bus.Publish(events.Event{Type: events.SyncStarted})
	var delivered, failed int

	// Each item is attempted at most once per cycle, so a failure cannot
	// burn through its whole retry budget inside one drain.
	seen := make(map[string]bool)

	for e.link.State().Reachable() {
		if ctx.Err() != nil {
			break
		}

		var batch []*models.QueueItem
		err := e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			var err error
			batch, err = queueitems.NewSQLiteRepository(tx).NextBatch(ctx, time.Now(), e.cfg.BatchSize, e.cfg.PriorityQuota)
			return err
		})
		if err != nil {
			e.log.Error(ctx, "failed to select drain batch", "error", err)
			return err
		}

		progressed := false
		for _, item := range batch {
			if ctx.Err() != nil || !e.link.State().Reachable() {
				break
			}
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			progressed = true
			if err := e.processItem(ctx, item); err != nil {
				failed++
			} else {
				delivered++
			}
		}
		if !progressed {
			break
		}
	}

	e.bus.Publish(events.Event{
		Type:   events.SyncCompleted,
		Detail: fmt.Sprintf("delivered=%d failed=%d", delivered, failed),
	})
	e.log.Info(ctx, "drain cycle finished", "delivered", delivered, "failed", failed)
	return nil
}

// processItem submits one item and persists the outcome.
func (e *Engine) processItem(ctx context.Context, item *models.QueueItem) error {
	result, err := e.client.Submit(ctx, item)
	now := time.Now()

	switch {
	case err == nil:
		if result.AlreadyProcessed {
			// The earlier delivery succeeded but its acknowledgement was
			// lost. The operation took effect exactly once; fetch the
			// canonical record so local reads converge.
			e.log.Info(ctx, "duplicate delivery resolved by idempotency key",
				"id", item.ID, "key", item.IdempotencyKey)
			e.recordDuplicate(ctx, item, now)
			e.refreshCanonical(ctx, item)
		}
		return e.confirm(ctx, item, now)

	case errors.Is(err, common.ErrConflict):
		return e.parkConflict(ctx, item, err, now)

	case errors.Is(err, common.ErrServerRejected), errors.Is(err, common.ErrSessionInvalid):
		return e.deadLetter(ctx, item, models.ClassServerRejected, err, now)

	case !remote.Retryable(err):
		// Anything that is neither transient nor one of the classified
		// verdicts, such as a payload that cannot be encoded, will fail
		// identically on every attempt.
		return e.deadLetter(ctx, item, models.ClassServerRejected, err, now)

	default:
		return e.retryLater(ctx, item, err, now)
	}
}

// recordDuplicate leaves a durable note that a delivery was answered by the
// idempotency ledger instead of a second side effect. Best effort: the item
// completes normally either way.
func (e *Engine) recordDuplicate(ctx context.Context, item *models.QueueItem, now time.Time) {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := syncerrors.NewSQLiteRepository(tx).Insert(ctx, &models.SyncError{
			QueueItemID: item.ID,
			Class:       models.ClassDuplicate,
			Message:     "delivery deduplicated by idempotency key " + item.IdempotencyKey,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		e.log.Debug(ctx, "failed to record duplicate delivery", "id", item.ID, "error", err)
	}
}

// confirm marks the item confirmed and finishes its composite group when the
// group is complete. A standalone item is its own group.
func (e *Engine) confirm(ctx context.Context, item *models.QueueItem, now time.Time) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := queueitems.NewSQLiteRepository(tx)

		if err := repo.MarkConfirmed(ctx, item.ID); err != nil {
			return err
		}

		if item.CompositeID == "" {
			return repo.MarkSynced(ctx, []string{item.ID}, now)
		}

		remaining, err := repo.UnconfirmedInComposite(ctx, item.CompositeID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		ids, err := repo.ConfirmedMemberIDs(ctx, item.CompositeID)
		if err != nil {
			return err
		}
		return repo.MarkSynced(ctx, ids, now)
	})
}

// parkConflict records the conflict durably and parks the item. The local
// version is never silently overwritten and never retried automatically.
func (e *Engine) parkConflict(ctx context.Context, item *models.QueueItem, cause error, now time.Time) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := queueitems.NewSQLiteRepository(tx).MarkConflict(ctx, item.ID, cause.Error()); err != nil {
			return err
		}
		_, err := syncerrors.NewSQLiteRepository(tx).Insert(ctx, &models.SyncError{
			QueueItemID: item.ID,
			Class:       models.ClassConflict,
			Message:     cause.Error(),
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return err
	}

	e.bus.Publish(events.Event{Type: events.SyncConflict, Subject: item.ID, Detail: cause.Error()})
	e.log.Warn(ctx, "item parked on conflict", "id", item.ID, "origin", item.OriginID)
	return cause
}

func (e *Engine) deadLetter(ctx context.Context, item *models.QueueItem, class models.ErrorClass, cause error, now time.Time) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := queueitems.NewSQLiteRepository(tx).MarkFailed(ctx, item.ID, cause.Error(), now, true); err != nil {
			return err
		}
		_, err := syncerrors.NewSQLiteRepository(tx).Insert(ctx, &models.SyncError{
			QueueItemID: item.ID,
			Class:       class,
			Message:     cause.Error(),
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return err
	}

	e.log.Error(ctx, "item moved to dead letter", "id", item.ID, "attempts", item.Attempts+1, "error", cause)
	return cause
}

// retryLater schedules the next attempt with exponential backoff, or dead
// letters the item once attempts are exhausted.
func (e *Engine) retryLater(ctx context.Context, item *models.QueueItem, cause error, now time.Time) error {
	attempts := item.Attempts + 1
	if attempts >= e.cfg.MaxAttempts {
		return e.deadLetter(ctx, item, models.ClassTransientNetwork, cause, now)
	}

	next := now.Add(e.backoffDelay(attempts))
	err := e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return queueitems.NewSQLiteRepository(tx).MarkFailed(ctx, item.ID, cause.Error(), next, false)
	})
	if err != nil {
		return err
	}

	e.log.Warn(ctx, "delivery failed, retry scheduled",
		"id", item.ID, "attempt", attempts, "next_attempt_at", next, "error", cause)
	return cause
}

// backoffDelay returns base * 2^(attempt-1), capped. On a slow link the base
// is doubled, so retries lean on the degraded path less aggressively.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	if e.link.State() == monitor.StateSlow {
		d *= 2
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return d
}

// refreshCanonical pulls the server's version of the record an operation
// touched into the local cache. Best effort: a miss here only delays cache
// convergence until the next refresh.
func (e *Engine) refreshCanonical(ctx context.Context, item *models.QueueItem) {
	rec, err := e.client.FindByOrigin(ctx, item.Operation.Collection(), item.OriginID)
	if err != nil {
		e.log.Debug(ctx, "canonical record fetch failed", "id", item.ID, "error", err)
		return
	}
	err = e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return refcache.NewSQLiteRepository(tx).Upsert(ctx, &models.CacheEntry{
			Collection: item.Operation.Collection(),
			RecordID:   rec.ID,
			Payload:    rec.Payload,
			DataHash:   models.HashPayload(rec.Payload),
			FetchedAt:  time.Now(),
		})
	})
	if err != nil {
		e.log.Debug(ctx, "canonical record store failed", "id", item.ID, "error", err)
	}
}

// RefreshCollections re-fetches reference collections and reconciles local
// cache entries, removing records deleted upstream.
func (e *Engine) RefreshCollections(ctx context.Context, collections ...string) error {
	for _, collection := range collections {
		records, err := e.client.Fetch(ctx, collection)
		if err != nil {
			return fmt.Errorf("failed to refresh %s: %w", collection, err)
		}

		now := time.Now()
		err = e.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			repo := refcache.NewSQLiteRepository(tx)
			keep := make([]string, 0, len(records))
			for _, rec := range records {
				keep = append(keep, rec.ID)
				entry := &models.CacheEntry{
					Collection: collection,
					RecordID:   rec.ID,
					Payload:    rec.Payload,
					DataHash:   models.HashPayload(rec.Payload),
					FetchedAt:  now,
				}
				if err := repo.Upsert(ctx, entry); err != nil {
					return err
				}
			}
			_, err := repo.DeleteAbsent(ctx, collection, keep)
			return err
		})
		if err != nil {
			return err
		}
		e.log.Info(ctx, "reference collection refreshed", "collection", collection, "records", len(records))
	}
	return nil
}
