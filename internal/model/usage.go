package model

import "time"

// UsageRecord is one row of the usage ledger: a single admitted request
// made with an API key. Rows are append-only.
type UsageRecord struct {
	ID             int64     `json:"id" db:"id"`
	APIKeyID       int64     `json:"api_key_id" db:"api_key_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	Method         string    `json:"method" db:"method"`
	StatusCode     int       `json:"status_code" db:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms" db:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// UsageSummary is the per-key view returned by the usage endpoints.
type UsageSummary struct {
	APIKeyID         int64         `json:"api_key_id"`
	LastMinute       int           `json:"last_minute"`
	LastHour         int           `json:"last_hour"`
	LastDay          int           `json:"last_day"`
	PerMinuteLimit   int           `json:"per_minute_limit"`
	RateLimitPerHour int           `json:"rate_limit_per_hour"`
	Recent           []UsageRecord `json:"recent"`
}
