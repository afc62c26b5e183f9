package engine

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/dbx"
	"github.com/pdcretail/possync/internal/events"
	"github.com/pdcretail/possync/internal/logging"
	"github.com/pdcretail/possync/internal/models"
	"github.com/pdcretail/possync/internal/repositories/queueitems"
	"github.com/pdcretail/possync/internal/repositories/refcache"
	"github.com/pdcretail/possync/internal/repositories/syncerrors"
	"github.com/pdcretail/possync/internal/store"
)

// EnqueueRequest describes one operation to persist for synchronization.
type EnqueueRequest struct {
	SessionID        string
	Operation        models.OperationType
	Payload          []byte
	OriginID         string
	OriginModifiedAt time.Time
	CompositeID      string
	Priority         models.Priority
}

// Kicker triggers an immediate drain attempt. Satisfied by *Engine.
type Kicker interface {
	Kick()
}

// ServiceConfig bounds the queue.
type ServiceConfig struct {
	// QueueLimit caps non-archived rows; reaching it triggers archival.
	QueueLimit int
	// ArchiveKeep is how many completed items survive an archival pass.
	ArchiveKeep int
	// RetentionPolicy drives space reclamation under quota pressure.
	Retention store.RetentionPolicy
}

// Service is the write surface of the queue. Every operation is persisted
// before any network submission is attempted, whatever the link state, so
// confirmed local work survives crash and restart.
type Service struct {
	store  *store.Store
	bus    *events.Bus
	kicker Kicker
	link   Link
	cfg    ServiceConfig
	log    logging.Logger

	// ULID generation keeps arrival order: ids assigned later always sort
	// later. The monotonic reader is not safe for concurrent use.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewService(st *store.Store, bus *events.Bus, kicker Kicker, link Link, cfg ServiceConfig, log logging.Logger) *Service {
	return &Service{
		store:   st,
		bus:     bus,
		kicker:  kicker,
		link:    link,
		cfg:     cfg,
		log:     log.With("component", "queue"),
		entropy: ulid.Monotonic(crand.Reader, 0),
	}
}

func (s *Service) newID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

// Enqueue persists the operation and, when the link is up, kicks the drain
// loop so the item does not wait for the next tick. The item is enqueued
// even while online: the queue is the only durability point.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueItem, error) {
	if err := s.ensureCapacity(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	item := &models.QueueItem{
		ID:               s.newID(now),
		IdempotencyKey:   uuid.NewString(),
		SessionID:        req.SessionID,
		Operation:        req.Operation,
		Payload:          req.Payload,
		OriginID:         req.OriginID,
		OriginModifiedAt: req.OriginModifiedAt,
		CompositeID:      req.CompositeID,
		Priority:         req.Priority,
		Status:           models.StatusPending,
		NextAttemptAt:    now,
		CreatedAt:        now,
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return queueitems.NewSQLiteRepository(tx).Insert(ctx, item)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", req.Operation, err)
	}

	s.log.Debug(ctx, "operation enqueued",
		"id", item.ID, "operation", item.Operation, "priority", item.Priority.String())

	if s.link.State().Reachable() && s.kicker != nil {
		s.kicker.Kick()
	}
	return item, nil
}

// ensureCapacity enforces the disk quota and the queue bound before a write.
//
// Quota pressure first evicts reclaimable data (stale cache, completed
// items) and re-checks; pending work is never dropped to make room. A full
// queue first archives old completed items; if the queue is still full the
// write is refused and the overflow recorded durably.
func (s *Service) ensureCapacity(ctx context.Context) error {
	if err := s.store.CheckQuota(ctx); err != nil {
		if !errors.Is(err, common.ErrQuotaExceeded) {
			return err
		}
		freed, rerr := s.store.Reclaim(ctx, time.Now(), s.cfg.Retention)
		if rerr != nil {
			return rerr
		}
		s.log.Warn(ctx, "quota pressure, reclaimed space", "rows_freed", freed)
		if err := s.store.CheckQuota(ctx); err != nil {
			s.recordOverflow(ctx, models.ClassQuotaExceeded, err)
			return err
		}
	}

	var overflow error
	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := queueitems.NewSQLiteRepository(tx)
		queued, err := repo.CountQueued(ctx)
		if err != nil {
			return err
		}
		if queued < s.cfg.QueueLimit {
			return nil
		}

		archived, err := repo.ArchiveCompleted(ctx, s.cfg.ArchiveKeep, time.Now())
		if err != nil {
			return err
		}
		s.log.Warn(ctx, "queue at capacity, archived completed items", "archived", archived)

		queued, err = repo.CountQueued(ctx)
		if err != nil {
			return err
		}
		if queued >= s.cfg.QueueLimit {
			overflow = fmt.Errorf("%w: %d queued items, limit %d", common.ErrQueueOverflow, queued, s.cfg.QueueLimit)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if overflow != nil {
		s.recordOverflow(ctx, models.ClassQueueOverflow, overflow)
		return overflow
	}
	return nil
}

func (s *Service) recordOverflow(ctx context.Context, class models.ErrorClass, cause error) {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := syncerrors.NewSQLiteRepository(tx).Insert(ctx, &models.SyncError{
			Class:     class,
			Message:   cause.Error(),
			CreatedAt: time.Now(),
		})
		return err
	})
	if err != nil {
		s.log.Error(ctx, "failed to record overflow", "error", err)
	}
	s.bus.Publish(events.Event{Type: events.QueueOverflow, Detail: cause.Error()})
}

// CachedRecord returns a cached reference record and whether it is still
// within the freshness window. A stale entry is returned anyway: during an
// outage old reference data beats none, the caller only loses the freshness
// claim.
func (s *Service) CachedRecord(ctx context.Context, collection, recordID string) (*models.CacheEntry, bool, error) {
	var entry *models.CacheEntry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		entry, err = refcache.NewSQLiteRepository(tx).Get(ctx, collection, recordID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return entry, entry.Fresh(time.Now(), s.cfg.Retention.CacheTTL), nil
}

// Stats summarizes queue contents.
func (s *Service) Stats(ctx context.Context) (*models.QueueStats, error) {
	var stats *models.QueueStats
	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		stats, err = queueitems.NewSQLiteRepository(tx).Stats(ctx)
		return err
	})
	return stats, err
}

// RecentErrors lists the newest durable error records.
func (s *Service) RecentErrors(ctx context.Context, limit int) ([]models.SyncError, error) {
	var list []models.SyncError
	err := s.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		list, err = syncerrors.NewSQLiteRepository(tx).ListRecent(ctx, limit)
		return err
	})
	return list, err
}
