package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Reference-data collections cached for offline operation.
const (
	CacheUsers          = "users"
	CacheConfigs        = "configs"
	CacheProducts       = "products"
	CacheCategories     = "categories"
	CachePaymentMethods = "payment_methods"
	CacheTaxRules       = "tax_rules"
)

// CacheEntry is one cached reference record (catalog item, category,
// payment method, tax rule, user, config).
type CacheEntry struct {
	Collection string
	RecordID   string
	Payload    []byte
	DataHash   string
	FetchedAt  time.Time
}

// HashPayload computes the change-detection hash for a cache payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Fresh reports whether the entry is within its TTL.
func (e *CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) <= ttl
}
