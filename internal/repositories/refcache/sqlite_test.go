package refcache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/models"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE cache_entries (
  collection TEXT NOT NULL,
  record_id  TEXT NOT NULL,
  payload    BLOB NOT NULL,
  data_hash  TEXT NOT NULL,
  fetched_at INTEGER NOT NULL,
  PRIMARY KEY (collection, record_id)
);`)
	require.NoError(t, err)
	return db
}

func entry(collection, id string, payload []byte, at time.Time) *models.CacheEntry {
	return &models.CacheEntry{
		Collection: collection,
		RecordID:   id,
		Payload:    payload,
		DataHash:   models.HashPayload(payload),
		FetchedAt:  at,
	}
}

func TestUpsertAndGet(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.Upsert(ctx, entry("products", "p1", []byte(`{"price":100}`), now)))

	got, err := r.Get(ctx, "products", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"price":100}`), got.Payload)

	// Refresh replaces the payload and moves the freshness timestamp.
	later := now.Add(time.Minute)
	require.NoError(t, r.Upsert(ctx, entry("products", "p1", []byte(`{"price":120}`), later)))

	got, err = r.Get(ctx, "products", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"price":120}`), got.Payload)
	assert.Equal(t, later.UnixMilli(), got.FetchedAt.UnixMilli())
	assert.NotEqual(t, models.HashPayload([]byte(`{"price":100}`)), got.DataHash)
}

func TestGet_NotFound(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	_, err := r.Get(context.Background(), "products", "absent")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteAbsent_ReconcilesUpstreamDeletions(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, r.Upsert(ctx, entry("products", id, []byte(`{}`), now)))
	}
	require.NoError(t, r.Upsert(ctx, entry("tax_rules", "t1", []byte(`{}`), now)))

	// p2 was deleted upstream; a refresh carries only p1 and p3.
	removed, err := r.DeleteAbsent(ctx, "products", []string{"p1", "p3"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = r.Get(ctx, "products", "p2")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Other collections are untouched.
	_, err = r.Get(ctx, "tax_rules", "t1")
	assert.NoError(t, err)
}

func TestDeleteAbsent_EmptyKeepClearsCollection(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, entry("categories", "c1", []byte(`{}`), time.Now())))
	removed, err := r.DeleteAbsent(ctx, "categories", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestDeleteOlderThan(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.Upsert(ctx, entry("products", "old", []byte(`{}`), now.Add(-time.Hour))))
	require.NoError(t, r.Upsert(ctx, entry("products", "new", []byte(`{}`), now)))

	removed, err := r.DeleteOlderThan(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	list, err := r.List(ctx, "products")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].RecordID)
}
