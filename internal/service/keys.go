package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/ratelimit"
)

// ErrInvalidKeyRequest wraps validation failures from CreateKey.
var ErrInvalidKeyRequest = errors.New("invalid key request")

// KeyStore is the persistence KeyService needs. config.Store implements it.
type KeyStore interface {
	GetServiceByName(ctx context.Context, name string) (*model.ServiceConfig, error)
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error)
	CountUsageSince(ctx context.Context, keyID int64, since time.Time) (int, error)
	ListRecentUsage(ctx context.Context, keyID int64, limit int) ([]model.UsageRecord, error)
}

// KeyRequest describes a key to mint.
type KeyRequest struct {
	Name             string
	OwnerID          int64
	ServiceName      string
	RateLimitPerHour int
	ExpiresAt        *time.Time
}

// KeyService mints API keys and reports their usage. Both the admin API and
// the CLI go through it so a plaintext key is produced in exactly one place.
type KeyService struct {
	store          KeyStore
	defaultPerHour int
	now            func() time.Time
}

func NewKeyService(store KeyStore, defaultPerHour int) *KeyService {
	if defaultPerHour <= 0 {
		defaultPerHour = model.DefaultRateLimitPerHour
	}
	return &KeyService{store: store, defaultPerHour: defaultPerHour, now: time.Now}
}

// CreateKey generates a credential, persists its digest and returns the
// stored record together with the plaintext. The plaintext is not
// recoverable afterwards.
func (s *KeyService) CreateKey(ctx context.Context, req KeyRequest) (*model.APIKey, string, error) {
	if req.ServiceName == "" {
		return nil, "", fmt.Errorf("%w: service name is required", ErrInvalidKeyRequest)
	}
	if req.RateLimitPerHour < 0 {
		return nil, "", fmt.Errorf("%w: rate limit must be positive", ErrInvalidKeyRequest)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return nil, "", fmt.Errorf("%w: expiry must be in the future", ErrInvalidKeyRequest)
	}
	if _, err := s.store.GetServiceByName(ctx, req.ServiceName); err != nil {
		return nil, "", fmt.Errorf("service %q: %w", req.ServiceName, err)
	}

	cred, err := apikey.Generate()
	if err != nil {
		return nil, "", err
	}

	limit := req.RateLimitPerHour
	if limit == 0 {
		limit = s.defaultPerHour
	}

	key := &model.APIKey{
		KeyHash:          cred.Digest,
		KeyPrefix:        cred.DisplayPrefix,
		Name:             req.Name,
		OwnerID:          req.OwnerID,
		ServiceName:      req.ServiceName,
		RateLimitPerHour: limit,
		IsActive:         true,
		ExpiresAt:        req.ExpiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, cred.Plaintext, nil
}

// Usage summarises a key's ledger: counts over the limiter's windows and
// the last day, plus the most recent rows.
func (s *KeyService) Usage(ctx context.Context, keyID int64, recent int) (*model.UsageSummary, error) {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	counts := make([]int, 3)
	for i, window := range []time.Duration{ratelimit.MinuteWindow, ratelimit.HourWindow, 24 * time.Hour} {
		n, err := s.store.CountUsageSince(ctx, keyID, now.Add(-window))
		if err != nil {
			return nil, err
		}
		counts[i] = n
	}

	records, err := s.store.ListRecentUsage(ctx, keyID, recent)
	if err != nil {
		return nil, err
	}

	return &model.UsageSummary{
		APIKeyID:         key.ID,
		LastMinute:       counts[0],
		LastHour:         counts[1],
		LastDay:          counts[2],
		PerMinuteLimit:   ratelimit.PerMinuteLimit(key.RateLimitPerHour),
		RateLimitPerHour: key.RateLimitPerHour,
		Recent:           records,
	}, nil
}
