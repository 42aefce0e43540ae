package config

import (
	"context"
	"fmt"
	"time"

	"github.com/keygate/keygate/internal/model"
)

// CreateAPIKey inserts a new API key record. KeyHash and KeyPrefix must
// already be set; the plaintext never reaches the store.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.CreatedAt = now()
	if key.RateLimitPerHour <= 0 {
		key.RateLimitPerHour = model.DefaultRateLimitPerHour
	}

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, name, owner_id, service_name, rate_limit_per_hour,
		 is_active, expires_at, created_at)
		VALUES
		(:key_hash, :key_prefix, :name, :owner_id, :service_name, :rate_limit_per_hour,
		 :is_active, :expires_at, :created_at)`

	id, err := s.insertReturningID(ctx, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKey returns an API key by ID regardless of its active flag.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.get(ctx, &key, "SELECT * FROM api_keys WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get api key: %w", notFound(err))
	}
	return &key, nil
}

// FindActiveAPIKey looks up an active key by full digest within a service
// scope. Expiry is left to the caller so it can be reported distinctly.
func (s *Store) FindActiveAPIKey(ctx context.Context, hash, serviceName string) (*model.APIKey, error) {
	const q = `SELECT * FROM api_keys
		WHERE key_hash = ? AND is_active = ? AND service_name = ?`

	var key model.APIKey
	if err := s.get(ctx, &key, q, hash, true, serviceName); err != nil {
		return nil, fmt.Errorf("find api key: %w", notFound(err))
	}
	return &key, nil
}

// ListAPIKeys returns all API keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.selectAll(ctx, &keys, "SELECT * FROM api_keys ORDER BY created_at DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// ListAPIKeysByOwner returns the keys minted by one admin, newest first.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, ownerID int64) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.selectAll(ctx, &keys,
		"SELECT * FROM api_keys WHERE owner_id = ? ORDER BY created_at DESC, id DESC", ownerID); err != nil {
		return nil, fmt.Errorf("list api keys by owner: %w", err)
	}
	return keys, nil
}

// DeactivateAPIKey soft-deletes a key by ID. Deactivating an already
// inactive key is not an error.
func (s *Store) DeactivateAPIKey(ctx context.Context, id int64) error {
	if err := s.execOne(ctx, "UPDATE api_keys SET is_active = ? WHERE id = ?", false, id); err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	return nil
}

// DeactivateAPIKeyByPrefix soft-deletes the single active key with the given
// display prefix. Prefixes are short and may collide; when several active
// keys share one, nothing is changed and an *AmbiguousPrefixError lists them.
func (s *Store) DeactivateAPIKeyByPrefix(ctx context.Context, prefix string) error {
	var ids []int64
	if err := s.selectAll(ctx, &ids,
		"SELECT id FROM api_keys WHERE key_prefix = ? AND is_active = ? ORDER BY id",
		prefix, true); err != nil {
		return fmt.Errorf("find api keys by prefix: %w", err)
	}
	switch len(ids) {
	case 0:
		return ErrNotFound
	case 1:
		return s.DeactivateAPIKey(ctx, ids[0])
	default:
		return &AmbiguousPrefixError{Prefix: prefix, IDs: ids}
	}
}

// TouchAPIKey sets last_used_at. Concurrent touches race; the last writer
// wins, which is all the column promises.
func (s *Store) TouchAPIKey(ctx context.Context, id int64, at time.Time) error {
	if err := s.execOne(ctx,
		"UPDATE api_keys SET last_used_at = ? WHERE id = ?",
		at.UTC().Truncate(time.Microsecond), id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
