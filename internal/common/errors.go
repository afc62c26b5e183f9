// Package common defines shared constants and sentinel errors used across
// the offline engine layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Durable store errors.
	ErrStoreCorrupted = errors.New("store corrupted")
	ErrQuotaExceeded  = errors.New("store quota exceeded")

	// Queue errors.
	ErrQueueOverflow = errors.New("queue overflow")

	// Sync outcome classification.
	ErrTransientNetwork = errors.New("transient network failure")
	ErrServerRejected   = errors.New("server rejected")
	ErrConflict         = errors.New("conflict")

	// Session errors.
	ErrSessionInvalid   = errors.New("session invalid")
	ErrTooManyAttempts  = errors.New("too many attempts")
	ErrPinNotConfigured = errors.New("pin not configured")
	ErrIncorrectPin     = errors.New("incorrect pin")
)
