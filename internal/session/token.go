package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pdcretail/possync/internal/common"
)

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"uid"`
	ConfigID string `json:"cfg"`
}

// issueToken signs a local session token. The token ties the persisted row
// to this installation's signing key, so an edited or transplanted session
// row fails restore validation.
func issueToken(signingKey, sessionID, userID, configID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:   userID,
		ConfigID: configID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// validateToken parses and verifies a session token, checking the signature,
// the expiry, and that the claims match the persisted session row.
func validateToken(signingKey, tokenString, sessionID, userID string, now time.Time) error {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(signingKey), nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrSessionInvalid, err)
	}
	if !token.Valid || claims.Subject != sessionID || claims.UserID != userID {
		return fmt.Errorf("%w: token does not match session", common.ErrSessionInvalid)
	}
	return nil
}
