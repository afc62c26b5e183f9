package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pdcretail/possync/internal/common"
	"github.com/pdcretail/possync/internal/dbx"
	"github.com/pdcretail/possync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sessionColumns = `id, user_id, config_id, token, pin_salt, pin_verifier,
	created_at, last_access_at, expires_at, active`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var (
		s                                  models.Session
		createdAt, lastAccessAt, expiresAt int64
		active                             int
	)
	err := row.Scan(&s.ID, &s.UserID, &s.ConfigID, &s.Token, &s.PinSalt,
		&s.PinVerifier, &createdAt, &lastAccessAt, &expiresAt, &active)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.LastAccessAt = time.UnixMilli(lastAccessAt)
	s.ExpiresAt = time.UnixMilli(expiresAt)
	s.Active = active == 1
	return &s, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, s *models.Session) error {
	query := `INSERT INTO sessions
		(id, user_id, config_id, token, pin_salt, pin_verifier,
		 created_at, last_access_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.UserID, s.ConfigID, s.Token, s.PinSalt, s.PinVerifier,
		s.CreatedAt.UnixMilli(), s.LastAccessAt.UnixMilli(),
		s.ExpiresAt.UnixMilli(), s.Active)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetActive(ctx context.Context) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE active=1`)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) DeactivateAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE sessions SET active=0 WHERE active=1`); err != nil {
		return fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_access_at=? WHERE id=?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) SetPin(ctx context.Context, id string, salt, verifier []byte) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET pin_salt=?, pin_verifier=? WHERE id=?`, salt, verifier, id)
	if err != nil {
		return fmt.Errorf("failed to set session pin: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("wrong rows affected count: %d", ra)
	}
	return nil
}
