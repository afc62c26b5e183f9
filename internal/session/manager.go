// Package session manages the locally persisted POS session: online login,
// offline restore after restart, offline PIN verification, and logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/dbx"
	"github.com/pdcretail/possync/internal/logging"
	"github.com/pdcretail/possync/internal/models"
	"github.com/pdcretail/possync/internal/remote"
	"github.com/pdcretail/possync/internal/repositories/refcache"
	"github.com/pdcretail/possync/internal/repositories/sessions"
	"github.com/pdcretail/possync/internal/store"
)

// Config bounds session validity and offline authentication.
type Config struct {
	// Lifetime is session validity from creation.
	Lifetime time.Duration
	// MaxOfflineAge bounds restore: a session last touched longer ago than
	// this cannot be restored without online re-authentication.
	MaxOfflineAge time.Duration
	// SigningKey signs the local session token.
	SigningKey string
	// PinAttemptsPerMinute rate-limits offline PIN verification.
	PinAttemptsPerMinute int
}

// Manager owns session lifecycle against the local store.
type Manager struct {
	store  *store.Store
	client remote.Client
	cfg    Config
	log    logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewManager(st *store.Store, client remote.Client, cfg Config, log logging.Logger) *Manager {
	return &Manager{
		store:    st,
		client:   client,
		cfg:      cfg,
		log:      log.With("component", "session"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Login authenticates online and persists the session. Any previously active
// session is deactivated in the same transaction, so exactly one session is
// active at any point.
func (m *Manager) Login(ctx context.Context, username, password string) (*models.Session, error) {
	res, err := m.client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expires := now.Add(m.cfg.Lifetime)
	id := uuid.NewString()
	token, err := issueToken(m.cfg.SigningKey, id, res.UserID, res.ConfigID, now, expires)
	if err != nil {
		return nil, err
	}

	s := &models.Session{
		ID:           id,
		UserID:       res.UserID,
		ConfigID:     res.ConfigID,
		Token:        token,
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    expires,
		Active:       true,
	}

	err = m.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := sessions.NewSQLiteRepository(tx)
		if err := repo.DeactivateAll(ctx); err != nil {
			return err
		}
		return repo.Insert(ctx, s)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.log.Info(ctx, "session created", "session_id", s.ID, "user_id", s.UserID)
	return s, nil
}

// Restore returns the active session after a restart, without network access.
//
// A session past its lifetime, untouched beyond the offline age bound, with
// a bad token, or whose user or config no longer resolves in the reference
// cache is deactivated and common.ErrSessionInvalid returned, forcing a
// fresh online login.
func (m *Manager) Restore(ctx context.Context) (*models.Session, error) {
	now := time.Now()

	var (
		s    *models.Session
		verr error
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := sessions.NewSQLiteRepository(tx)
		var err error
		s, err = repo.GetActive(ctx)
		if err != nil {
			return err
		}

		if verr = m.validateRestore(ctx, tx, s, now); verr != nil {
			// The deactivation must commit even though restore fails, so
			// it is not returned as the transaction error.
			return repo.DeactivateAll(ctx)
		}
		return repo.Touch(ctx, s.ID, now)
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrSessionInvalid
		}
		return nil, err
	}
	if verr != nil {
		m.log.Warn(ctx, "session restore rejected", "error", verr)
		return nil, verr
	}

	s.LastAccessAt = now
	m.log.Info(ctx, "session restored", "session_id", s.ID, "user_id", s.UserID)
	return s, nil
}

func (m *Manager) validateRestore(ctx context.Context, tx dbx.DBTX, s *models.Session, now time.Time) error {
	if s.Expired(now) {
		return fmt.Errorf("%w: session expired", common.ErrSessionInvalid)
	}
	if now.Sub(s.LastAccessAt) > m.cfg.MaxOfflineAge {
		return fmt.Errorf("%w: offline too long", common.ErrSessionInvalid)
	}
	if err := validateToken(m.cfg.SigningKey, s.Token, s.ID, s.UserID, now); err != nil {
		return err
	}

	// The user and config must still resolve in local reference data.
	cache := refcache.NewSQLiteRepository(tx)
	if _, err := cache.Get(ctx, models.CacheUsers, s.UserID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: user not in reference cache", common.ErrSessionInvalid)
		}
		return err
	}
	if _, err := cache.Get(ctx, models.CacheConfigs, s.ConfigID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: config not in reference cache", common.ErrSessionInvalid)
		}
		return err
	}
	return nil
}

// Touch records activity on a session. The read and the write share one
// transaction so concurrent touches cannot interleave.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	now := time.Now()
	return m.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		repo := sessions.NewSQLiteRepository(tx)
		s, err := repo.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Expired(now) {
			return fmt.Errorf("%w: session expired", common.ErrSessionInvalid)
		}
		return repo.Touch(ctx, s.ID, now)
	})
}

// SetPin stores hashed PIN material for offline re-authentication.
func (m *Manager) SetPin(ctx context.Context, sessionID, pin string) error {
	if err := validatePinFormat(pin); err != nil {
		return err
	}
	salt := common.GenerateRandByteArray(saltLength)
	verifier := hashPin(pin, salt)

	return m.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return sessions.NewSQLiteRepository(tx).SetPin(ctx, sessionID, salt, verifier)
	})
}

// VerifyPin checks a PIN against the stored verifier. Attempts are
// rate-limited per session; exceeding the budget returns
// common.ErrTooManyAttempts without consulting the verifier.
func (m *Manager) VerifyPin(ctx context.Context, sessionID, pin string) error {
	if !m.limiter(sessionID).Allow() {
		m.log.Warn(ctx, "pin verification rate limited", "session_id", sessionID)
		return common.ErrTooManyAttempts
	}

	var s *models.Session
	err := m.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		s, err = sessions.NewSQLiteRepository(tx).GetByID(ctx, sessionID)
		return err
	})
	if err != nil {
		return err
	}

	if len(s.PinSalt) == 0 || len(s.PinVerifier) == 0 {
		return common.ErrPinNotConfigured
	}
	return verifyPin(pin, s.PinSalt, s.PinVerifier)
}

// Logout deactivates the active session. The row is kept for audit until
// retention maintenance prunes it.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.store.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		return sessions.NewSQLiteRepository(tx).DeactivateAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	m.log.Info(ctx, "session deactivated")
	return nil
}

func (m *Manager) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[key]
	if !ok {
		perMinute := m.cfg.PinAttemptsPerMinute
		if perMinute <= 0 {
			perMinute = 5
		}
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		m.limiters[key] = l
	}
	return l
}
