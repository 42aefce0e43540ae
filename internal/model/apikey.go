package model

import "time"

// DefaultRateLimitPerHour is applied to keys created without an explicit limit.
const DefaultRateLimitPerHour = 1000

// APIKey is a credential scoped to a single service. Only the SHA-256 digest
// of the plaintext is persisted, plus a short display prefix so owners can
// tell keys apart. Keys are deactivated, never deleted, so usage rows stay
// attributable.
type APIKey struct {
	ID               int64      `json:"id" db:"id"`
	KeyHash          string     `json:"-" db:"key_hash"`
	KeyPrefix        string     `json:"key_prefix" db:"key_prefix"`
	Name             string     `json:"name" db:"name"`
	OwnerID          int64      `json:"owner_id" db:"owner_id"`
	ServiceName      string     `json:"service_name" db:"service_name"`
	RateLimitPerHour int        `json:"rate_limit_per_hour" db:"rate_limit_per_hour"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// Expired reports whether the key has an expiry that is at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}
