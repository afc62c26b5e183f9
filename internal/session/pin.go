package session

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/pdcretail/possync/internal/common"
)

// Argon2id parameters for PIN hashing. A 4-digit PIN has almost no entropy,
// so the cost parameters and the rate limiter carry the defense.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	pinLength  = 4
	saltLength = 16
)

// hashPin derives the stored verifier from a PIN and salt.
func hashPin(pin string, salt []byte) []byte {
	return argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// validatePinFormat enforces the 4-digit PIN format.
func validatePinFormat(pin string) error {
	if len(pin) != pinLength {
		return fmt.Errorf("pin must be %d digits", pinLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return fmt.Errorf("pin must contain only digits")
		}
	}
	return nil
}

// verifyPin compares a candidate PIN against stored material in constant time.
func verifyPin(pin string, salt, verifier []byte) error {
	candidate := hashPin(pin, salt)
	if subtle.ConstantTimeCompare(candidate, verifier) != 1 {
		return common.ErrIncorrectPin
	}
	return nil
}
