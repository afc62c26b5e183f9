package sessions

import (
	"context"
	"time"

	"github.com/pdcretail/possync/internal/models"
)

// Repository describes persistence operations for locally stored sessions.
type Repository interface {
	// Insert stores a new session row.
	Insert(ctx context.Context, s *models.Session) error

	// GetActive returns the single active session or common.ErrNotFound.
	GetActive(ctx context.Context) (*models.Session, error)

	// GetByID returns a session by identifier or common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.Session, error)

	// DeactivateAll clears the active flag on every session. Run in the same
	// transaction as Insert to keep "exactly one active session" true.
	DeactivateAll(ctx context.Context) error

	// Touch updates the last-access timestamp of a session.
	Touch(ctx context.Context, id string, at time.Time) error

	// SetPin stores hashed PIN material for a session.
	SetPin(ctx context.Context, id string, salt, verifier []byte) error

	// Delete removes a session row.
	Delete(ctx context.Context, id string) error
}
