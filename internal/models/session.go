package models

import "time"

// Session is the locally persisted POS session. Authentication material is
// stored hashed (Argon2id salt + verifier), never raw.
//
// At most one session is active per client; Persist deactivates the previous
// one in the same transaction.
type Session struct {
	ID       string
	UserID   string
	ConfigID string

	// Token is a locally signed JWT whose expiry mirrors ExpiresAt. It lets
	// restore-time validation detect tampering with the persisted row.
	Token string

	PinSalt     []byte
	PinVerifier []byte

	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
	Active       bool
}

// Expired reports whether the session is past its offline-validity window.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
