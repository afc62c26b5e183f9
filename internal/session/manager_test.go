package session_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/logging"
	"github.com/pdcretail/possync/internal/models"
	"github.com/pdcretail/possync/internal/remote"
	"github.com/pdcretail/possync/internal/remote/remotetest"
	"github.com/pdcretail/possync/internal/repositories/refcache"
	"github.com/pdcretail/possync/internal/repositories/sessions"
	"github.com/pdcretail/possync/internal/session"
	"github.com/pdcretail/possync/internal/store"
)

type fixture struct {
	store   *store.Store
	manager *session.Manager
	server  *remotetest.Server
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
	srv.SeedUser("cashier", "secret", "u1", "cfg1")

	// The restored session's user and config must resolve locally.
	cache := refcache.NewSQLiteRepository(st.DB())
	for _, seed := range []struct{ collection, id string }{
		{models.CacheUsers, "u1"},
		{models.CacheConfigs, "cfg1"},
	} {
		require.NoError(t, cache.Upsert(ctx, &models.CacheEntry{
			Collection: seed.collection,
			RecordID:   seed.id,
			Payload:    []byte(`{}`),
			DataHash:   models.HashPayload([]byte(`{}`)),
			FetchedAt:  time.Now(),
		}))
	}

	m := session.NewManager(st, remote.NewHTTPClient(srv.URL(), 5*time.Second), session.Config{
		Lifetime:             8 * time.Hour,
		MaxOfflineAge:        24 * time.Hour,
		SigningKey:           "test-signing-key",
		PinAttemptsPerMinute: 2,
	}, log)

	return &fixture{store: st, manager: m, server: srv}
}

func (f *fixture) login(t *testing.T) *models.Session {
	t.Helper()
	s, err := f.manager.Login(context.Background(), "cashier", "secret")
	require.NoError(t, err)
	return s
}

func TestLogin(t *testing.T) {
	f := setup(t)

	s := f.login(t)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "cfg1", s.ConfigID)
	assert.NotEmpty(t, s.Token)
	assert.True(t, s.Active)

	_, err := f.manager.Login(context.Background(), "cashier", "wrong")
	assert.ErrorIs(t, err, common.ErrSessionInvalid)
}

func TestLogin_SecondLoginDeactivatesFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.login(t)
	second := f.login(t)

	active, err := sessions.NewSQLiteRepository(f.store.DB()).GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.NotEqual(t, first.ID, active.ID)
}

func TestRestore(t *testing.T) {
	f := setup(t)

	created := f.login(t)
	restored, err := f.manager.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, created.ID, restored.ID)
	assert.Equal(t, "u1", restored.UserID)
}

func TestRestore_NoActiveSession(t *testing.T) {
	f := setup(t)
	_, err := f.manager.Restore(context.Background())
	assert.ErrorIs(t, err, common.ErrSessionInvalid)
}

func TestRestore_ExpiredSessionForcesRelogin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s := f.login(t)
	_, err := f.store.DB().ExecContext(ctx,
		`UPDATE sessions SET expires_at=? WHERE id=?`, time.Now().Add(-time.Minute).UnixMilli(), s.ID)
	require.NoError(t, err)

	_, err = f.manager.Restore(ctx)
	assert.ErrorIs(t, err, common.ErrSessionInvalid)

	// Validation failure deactivates the row, so the next restore finds none.
	_, err = sessions.NewSQLiteRepository(f.store.DB()).GetActive(ctx)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRestore_OfflineTooLong(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s := f.login(t)
	_, err := f.store.DB().ExecContext(ctx,
		`UPDATE sessions SET last_access_at=? WHERE id=?`, time.Now().Add(-48*time.Hour).UnixMilli(), s.ID)
	require.NoError(t, err)

	_, err = f.manager.Restore(ctx)
	assert.ErrorIs(t, err, common.ErrSessionInvalid)
}

func TestRestore_TamperedTokenRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s := f.login(t)
	_, err := f.store.DB().ExecContext(ctx,
		`UPDATE sessions SET token='eyJhbGciOiJIUzI1NiJ9.tampered.sig' WHERE id=?`, s.ID)
	require.NoError(t, err)

	_, err = f.manager.Restore(ctx)
	assert.ErrorIs(t, err, common.ErrSessionInvalid)
}

func TestRestore_UserMissingFromCache(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.login(t)
	require.NoError(t, refcache.NewSQLiteRepository(f.store.DB()).Delete(ctx, models.CacheUsers, "u1"))

	_, err := f.manager.Restore(ctx)
	assert.ErrorIs(t, err, common.ErrSessionInvalid)
}

func TestTouch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s := f.login(t)
	require.NoError(t, f.manager.Touch(ctx, s.ID))

	got, err := sessions.NewSQLiteRepository(f.store.DB()).GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.LastAccessAt.Before(s.LastAccessAt))
}

func TestPinLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.login(t)

	// Before configuration every verification fails the same way.
	err := f.manager.VerifyPin(ctx, s.ID, "1234")
	assert.ErrorIs(t, err, common.ErrPinNotConfigured)

	assert.Error(t, f.manager.SetPin(ctx, s.ID, "12"))
	assert.Error(t, f.manager.SetPin(ctx, s.ID, "12ab"))
	require.NoError(t, f.manager.SetPin(ctx, s.ID, "1234"))

	// The second allowed attempt succeeds with the right PIN.
	assert.NoError(t, f.manager.VerifyPin(ctx, s.ID, "1234"))
}

func TestVerifyPin_WrongPin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.login(t)
	require.NoError(t, f.manager.SetPin(ctx, s.ID, "1234"))

	err := f.manager.VerifyPin(ctx, s.ID, "4321")
	assert.ErrorIs(t, err, common.ErrIncorrectPin)
}

func TestVerifyPin_RateLimited(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.login(t)
	require.NoError(t, f.manager.SetPin(ctx, s.ID, "1234"))

	// Two attempts per minute are allowed; the third is refused before the
	// verifier is even consulted.
	assert.ErrorIs(t, f.manager.VerifyPin(ctx, s.ID, "0000"), common.ErrIncorrectPin)
	assert.ErrorIs(t, f.manager.VerifyPin(ctx, s.ID, "0000"), common.ErrIncorrectPin)
	assert.ErrorIs(t, f.manager.VerifyPin(ctx, s.ID, "1234"), common.ErrTooManyAttempts)
}

func TestLogout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.login(t)
	require.NoError(t, f.manager.Logout(ctx))

	_, err := f.manager.Restore(ctx)
	assert.ErrorIs(t, err, common.ErrSessionInvalid)
}
