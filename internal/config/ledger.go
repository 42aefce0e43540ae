package config

import (
	"context"
	"fmt"
	"time"

	"github.com/keygate/keygate/internal/model"
)

// ---------------------------------------------------------------------------
// Usage ledger
// ---------------------------------------------------------------------------

// InsertUsage appends one row to the usage ledger. CreatedAt defaults to now.
func (s *Store) InsertUsage(ctx context.Context, rec *model.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	} else {
		rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	}

	const q = `INSERT INTO api_key_usage
		(api_key_id, endpoint, method, status_code, response_time_ms, created_at)
		VALUES
		(:api_key_id, :endpoint, :method, :status_code, :response_time_ms, :created_at)`

	id, err := s.insertReturningID(ctx, q, rec)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	rec.ID = id
	return nil
}

// CountUsageSince counts ledger rows for a key created at or after since.
func (s *Store) CountUsageSince(ctx context.Context, keyID int64, since time.Time) (int, error) {
	var n int
	if err := s.get(ctx, &n,
		"SELECT COUNT(*) FROM api_key_usage WHERE api_key_id = ? AND created_at >= ?",
		keyID, since.UTC().Truncate(time.Microsecond)); err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// ListRecentUsage returns up to limit ledger rows for a key, newest first.
func (s *Store) ListRecentUsage(ctx context.Context, keyID int64, limit int) ([]model.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	records := []model.UsageRecord{}
	if err := s.selectAll(ctx, &records,
		"SELECT * FROM api_key_usage WHERE api_key_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		keyID, limit); err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return records, nil
}
