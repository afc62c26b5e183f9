package engine_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/engine"
	"github.com/pdcretail/possync/internal/events"
	"github.com/pdcretail/possync/internal/logging"
	"github.com/pdcretail/possync/internal/models"
	"github.com/pdcretail/possync/internal/monitor"
	"github.com/pdcretail/possync/internal/remote"
	"github.com/pdcretail/possync/internal/remote/remotetest"
	"github.com/pdcretail/possync/internal/repositories/queueitems"
	"github.com/pdcretail/possync/internal/repositories/refcache"
	"github.com/pdcretail/possync/internal/repositories/syncerrors"
	"github.com/pdcretail/possync/internal/store"
)

type stubLink struct {
	mu sync.Mutex
	st monitor.State
}

func (l *stubLink) State() monitor.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

func (l *stubLink) Set(st monitor.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st = st
}

type fixture struct {
	store   *store.Store
	engine  *engine.Engine
	service *engine.Service
	server  *remotetest.Server
	bus     *events.Bus
	link    *stubLink
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logging.NewSlogLogger(slog.Default())

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "possync.db"), store.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := remotetest.New()
	t.Cleanup(srv.Close)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	link := &stubLink{st: monitor.StateOnline}
	client := remote.NewHTTPClient(srv.URL(), 5*time.Second)

	eng := engine.New(st, client, link, bus, engine.Config{
		BatchSize:     2,
		PriorityQuota: 0.3,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
		DrainInterval: time.Minute,
	}, log)

	svc := engine.NewService(st, bus, eng, link, engine.ServiceConfig{
		QueueLimit:  100,
		ArchiveKeep: 50,
		Retention: store.RetentionPolicy{
			RetainSynced: 7 * 24 * time.Hour,
			RetainErrors: 3 * 24 * time.Hour,
			CacheTTL:     15 * time.Minute,
		},
	}, log)

	return &fixture{store: st, engine: eng, service: svc, server: srv, bus: bus, link: link}
}

func (f *fixture) enqueue(t *testing.T, op models.OperationType, origin, composite string, prio models.Priority) *models.QueueItem {
	t.Helper()
	item, err := f.service.Enqueue(context.Background(), engine.EnqueueRequest{
		SessionID:        "s1",
		Operation:        op,
		Payload:          []byte(`{"total":100}`),
		OriginID:         origin,
		OriginModifiedAt: time.Now(),
		CompositeID:      composite,
		Priority:         prio,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) status(t *testing.T, id string) models.SyncStatus {
	t.Helper()
	got, err := queueitems.NewSQLiteRepository(f.store.DB()).GetByID(context.Background(), id)
	require.NoError(t, err)
	return got.Status
}

func TestDrain_DeliversAllPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	high := f.enqueue(t, models.OpPayment, "p1", "", models.PriorityHigh)
	n1 := f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)
	n2 := f.enqueue(t, models.OpOrder, "o2", "", models.PriorityNormal)

	require.NoError(t, f.engine.Drain(ctx))

	assert.Equal(t, 3, f.server.Applied())
	for _, id := range []string{high.ID, n1.ID, n2.ID} {
		assert.Equal(t, models.StatusSynced, f.status(t, id))
	}
}

func TestDrain_NoopWhileOffline(t *testing.T) {
	f := setup(t)
	f.link.Set(monitor.StateOffline)

	f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)
	require.NoError(t, f.engine.Drain(context.Background()))

	assert.Equal(t, 0, f.server.Applied())
}

func TestDrain_LostAckRetriesWithoutDoubleCharge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	item := f.enqueue(t, models.OpPayment, "p1", "", models.PriorityHigh)
	f.server.DropNextAck()

	// First round: the server commits but the acknowledgement is lost, so
	// the item stays pending with a retry scheduled.
	require.NoError(t, f.engine.Drain(ctx))
	assert.Equal(t, models.StatusPending, f.status(t, item.ID))
	require.Equal(t, 1, f.server.Applied())

	// Second round after the backoff window: the same idempotency key is
	// answered with already_processed and the payment is charged once.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.engine.Drain(ctx))
	assert.Equal(t, models.StatusSynced, f.status(t, item.ID))
	assert.Equal(t, 1, f.server.Applied())

	// The deduplicated delivery leaves a durable trace for the audit trail.
	errs, err := syncerrors.NewSQLiteRepository(f.store.DB()).ListForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ClassDuplicate, errs[0].Class)
}

func TestDrain_LostAckRefreshesCanonicalRecord(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	item := f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)
	f.server.DropNextAck()

	require.NoError(t, f.engine.Drain(ctx))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.engine.Drain(ctx))

	rec, err := refcache.NewSQLiteRepository(f.store.DB()).Get(ctx, "orders", item.OriginID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":100}`, string(rec.Payload))
}

func TestDrain_ServerNewerParksConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ch, cancel := f.bus.Subscribe()
	defer cancel()

	f.server.SeedRecord("orders", remote.Record{
		ID:         "o1",
		ModifiedAt: time.Now().Add(time.Hour),
		Payload:    []byte(`{"total":999}`),
	})
	item := f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)

	require.NoError(t, f.engine.Drain(ctx))

	assert.Equal(t, models.StatusConflict, f.status(t, item.ID))
	assert.Equal(t, 0, f.server.Applied())

	errs, err := syncerrors.NewSQLiteRepository(f.store.DB()).ListForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ClassConflict, errs[0].Class)

	found := false
	deadline := time.After(time.Second)
	for !found {
		select {
		case e := <-ch:
			if e.Type == events.SyncConflict && e.Subject == item.ID {
				found = true
			}
		case <-deadline:
			t.Fatal("conflict event not published")
		}
	}
}

func TestDrain_DeadLetterAfterExhaustedAttempts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	item := f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)
	f.server.SetDown(true)

	// MaxAttempts is 3; every drain round past the backoff window burns one.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.Drain(ctx))
		time.Sleep(20 * time.Millisecond)
	}

	assert.Equal(t, models.StatusDeadLetter, f.status(t, item.ID))

	errs, err := syncerrors.NewSQLiteRepository(f.store.DB()).ListForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ClassTransientNetwork, errs[0].Class)

	// Dead letters are not redelivered once the server is back.
	f.server.SetDown(false)
	require.NoError(t, f.engine.Drain(ctx))
	assert.Equal(t, 0, f.server.Applied())
}

func TestDrain_SlowLinkStretchesRetryBackoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	log := logging.NewSlogLogger(slog.Default())

	eng := engine.New(f.store, remote.NewHTTPClient(f.server.URL(), time.Second), f.link, f.bus, engine.Config{
		BatchSize:     2,
		PriorityQuota: 0.3,
		MaxAttempts:   5,
		BackoffBase:   10 * time.Second,
		BackoffCap:    100 * time.Second,
		DrainInterval: time.Minute,
	}, log)

	item := f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)
	f.server.SetDown(true)
	f.link.Set(monitor.StateSlow)

	now := time.Now()
	require.NoError(t, eng.Drain(ctx))

	// A healthy link schedules the first retry one base interval out; the
	// slow link doubles that.
	got, err := queueitems.NewSQLiteRepository(f.store.DB()).GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.True(t, got.NextAttemptAt.After(now.Add(15*time.Second)),
		"next attempt at %v, want the doubled backoff base", got.NextAttemptAt)
}

func TestDrain_RejectionGoesStraightToDeadLetter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.server.RejectOrigin("o1")
	item := f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)

	require.NoError(t, f.engine.Drain(ctx))

	// Permanent rejections burn no retries.
	assert.Equal(t, models.StatusDeadLetter, f.status(t, item.ID))
	assert.Equal(t, 0, f.server.Applied())

	errs, err := syncerrors.NewSQLiteRepository(f.store.DB()).ListForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ClassServerRejected, errs[0].Class)
}

func TestDrain_UndeliverablePayloadGoesToDeadLetter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// A payload that cannot be encoded fails before the request leaves the
	// terminal and will keep failing; retrying it would only burn attempts.
	item, err := f.service.Enqueue(ctx, engine.EnqueueRequest{
		SessionID: "s1", Operation: models.OpOrder,
		Payload: []byte("not-json"), OriginID: "o1", OriginModifiedAt: time.Now(),
		Priority: models.PriorityNormal,
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Drain(ctx))

	assert.Equal(t, models.StatusDeadLetter, f.status(t, item.ID))
	assert.Equal(t, 0, f.server.Applied())

	errs, err := syncerrors.NewSQLiteRepository(f.store.DB()).ListForItem(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ClassServerRejected, errs[0].Class)
}

func TestDrain_CompositeGroupSyncsTogether(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	order := f.enqueue(t, models.OpOrder, "o1", "grp1", models.PriorityNormal)
	payment := f.enqueue(t, models.OpPayment, "p1", "grp1", models.PriorityNormal)

	require.NoError(t, f.engine.Drain(ctx))

	assert.Equal(t, models.StatusSynced, f.status(t, order.ID))
	assert.Equal(t, models.StatusSynced, f.status(t, payment.ID))
}

func TestDrain_CompositeGroupWaitsForAllMembers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// The payment member hits a conflict, so the group never completes and
	// the confirmed order member must not be reported synced.
	f.server.SeedRecord("payments", remote.Record{
		ID:         "p1",
		ModifiedAt: time.Now().Add(time.Hour),
		Payload:    []byte(`{}`),
	})
	order := f.enqueue(t, models.OpOrder, "o1", "grp1", models.PriorityNormal)
	payment := f.enqueue(t, models.OpPayment, "p1", "grp1", models.PriorityNormal)

	require.NoError(t, f.engine.Drain(ctx))

	assert.Equal(t, models.StatusConfirmed, f.status(t, order.ID))
	assert.Equal(t, models.StatusConflict, f.status(t, payment.ID))
}

func TestEnqueue_OverflowRefusedAndRecorded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.link.Set(monitor.StateOffline)

	log := logging.NewSlogLogger(slog.Default())
	tight := engine.NewService(f.store, f.bus, nil, f.link, engine.ServiceConfig{
		QueueLimit:  2,
		ArchiveKeep: 1,
		Retention:   store.RetentionPolicy{RetainSynced: time.Hour, RetainErrors: time.Hour, CacheTTL: time.Hour},
	}, log)

	ch, cancel := f.bus.Subscribe()
	defer cancel()

	for i := 0; i < 2; i++ {
		_, err := tight.Enqueue(ctx, engine.EnqueueRequest{
			SessionID: "s1", Operation: models.OpOrder,
			Payload: []byte(`{}`), OriginID: "o", OriginModifiedAt: time.Now(),
			Priority: models.PriorityNormal,
		})
		require.NoError(t, err)
	}

	// All active items are pending, so archival cannot free a slot.
	_, err := tight.Enqueue(ctx, engine.EnqueueRequest{
		SessionID: "s1", Operation: models.OpOrder,
		Payload: []byte(`{}`), OriginID: "o", OriginModifiedAt: time.Now(),
		Priority: models.PriorityNormal,
	})
	require.ErrorIs(t, err, common.ErrQueueOverflow)

	errs, lerr := tight.RecentErrors(ctx, 10)
	require.NoError(t, lerr)
	require.NotEmpty(t, errs)
	assert.Equal(t, models.ClassQueueOverflow, errs[0].Class)

	select {
	case e := <-ch:
		assert.Equal(t, events.QueueOverflow, e.Type)
	case <-time.After(time.Second):
		t.Fatal("overflow event not published")
	}
}

func TestEnqueue_ArchivalFreesCapacityAtLimit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, origin := range []string{"o1", "o2", "o3"} {
		f.enqueue(t, models.OpOrder, origin, "", models.PriorityNormal)
	}
	require.NoError(t, f.engine.Drain(ctx))

	log := logging.NewSlogLogger(slog.Default())
	tight := engine.NewService(f.store, f.bus, nil, f.link, engine.ServiceConfig{
		QueueLimit:  3,
		ArchiveKeep: 0,
		Retention:   store.RetentionPolicy{RetainSynced: time.Hour, RetainErrors: time.Hour, CacheTTL: time.Hour},
	}, log)

	// Three synced rows fill the bound, but completed work is archivable, so
	// the write must go through instead of overflowing.
	item, err := tight.Enqueue(ctx, engine.EnqueueRequest{
		SessionID: "s1", Operation: models.OpOrder,
		Payload: []byte(`{}`), OriginID: "o4", OriginModifiedAt: time.Now(),
		Priority: models.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.status(t, item.ID))

	stats, err := tight.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Archived)
	assert.Equal(t, 1, stats.Pending)
}

func TestEnqueue_PersistsEvenWhileOnline(t *testing.T) {
	f := setup(t)

	// The queue is the only durability point: an online link changes when
	// the item is drained, never whether it is persisted first.
	item := f.enqueue(t, models.OpOrder, "o1", "", models.PriorityNormal)
	assert.Equal(t, models.StatusPending, f.status(t, item.ID))
	assert.NotEmpty(t, item.IdempotencyKey)

	stats, err := f.service.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestCachedRecord_ReportsStaleness(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	repo := refcache.NewSQLiteRepository(f.store.DB())

	// Fixture CacheTTL is 15 minutes; one entry is inside the window, one out.
	require.NoError(t, repo.Upsert(ctx, &models.CacheEntry{
		Collection: models.CacheProducts, RecordID: "p1",
		Payload: []byte(`{"price":1}`), FetchedAt: time.Now(),
	}))
	require.NoError(t, repo.Upsert(ctx, &models.CacheEntry{
		Collection: models.CacheProducts, RecordID: "p2",
		Payload: []byte(`{"price":2}`), FetchedAt: time.Now().Add(-time.Hour),
	}))

	entry, fresh, err := f.service.CachedRecord(ctx, models.CacheProducts, "p1")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.JSONEq(t, `{"price":1}`, string(entry.Payload))

	// Stale entries are still served; the caller only loses the freshness claim.
	entry, fresh, err = f.service.CachedRecord(ctx, models.CacheProducts, "p2")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.NotNil(t, entry)

	_, _, err = f.service.CachedRecord(ctx, models.CacheProducts, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRefreshCollections_ReconcilesDeletions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.server.SeedRecord("products", remote.Record{ID: "p1", ModifiedAt: time.Now(), Payload: []byte(`{"price":1}`)})
	f.server.SeedRecord("products", remote.Record{ID: "p2", ModifiedAt: time.Now(), Payload: []byte(`{"price":2}`)})

	require.NoError(t, f.engine.RefreshCollections(ctx, "products"))

	repo := refcache.NewSQLiteRepository(f.store.DB())
	list, err := repo.List(ctx, "products")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// p2 disappears upstream; the next refresh must drop it locally.
	f.server.DeleteRecord("products", "p2")
	require.NoError(t, f.engine.RefreshCollections(ctx, "products"))

	list, err = repo.List(ctx, "products")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].RecordID)
}
