// Package quotagate implements the per-user free-tier request gate and the
// webhook reconciliation rules that keep the premium entitlement in sync
// with billing events.
package quotagate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// GateConfig holds quota gate configuration.
type GateConfig struct {
	// FreeLimit is the number of requests a non-premium user may make.
	// Default: DefaultFreeLimit.
	FreeLimit int

	// Logger is used for structured logging of denials.
	// Default: a disabled logger.
	Logger zerolog.Logger
}

// Gate enforces the free-tier request limit against a Store.
type Gate struct {
	store  Store
	limit  int
	logger zerolog.Logger
}

// NewGate creates a quota gate backed by the given store.
func NewGate(store Store, config GateConfig) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.FreeLimit < 0 {
		return nil, fmt.Errorf("free limit must be non-negative, got %d", config.FreeLimit)
	}
	limit := config.FreeLimit
	if limit == 0 {
		limit = DefaultFreeLimit
	}
	return &Gate{
		store:  store,
		limit:  limit,
		logger: config.Logger,
	}, nil
}

// Limit returns the configured free-tier request limit.
func (g *Gate) Limit() int {
	return g.limit
}

// CheckAndConsume ensures the user's record exists and consumes one request
// if permitted. Premium users are always allowed and never mutated.
// Non-premium users at the limit receive a structured denial; the record is
// not mutated. The increment itself is a single atomic store operation, so
// two concurrent calls at limit-1 cannot both pass.
func (g *Gate) CheckAndConsume(ctx context.Context, userID string) (*GateResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rec, err := g.store.ConsumeRequest(ctx, userID, g.limit)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			g.logger.Info().
				Str("user_id", userID).
				Int("request_count", rec.RequestCount).
				Int("limit", g.limit).
				Msg("request denied: free limit reached")
			return &GateResult{
				Allowed:      false,
				IsPremium:    false,
				RequestCount: rec.RequestCount,
				Limit:        g.limit,
				Message:      fmt.Sprintf("Free tier limit of %d requests reached. Upgrade to premium for unlimited requests.", g.limit),
			}, nil
		}
		return nil, fmt.Errorf("failed to consume request: %w", err)
	}

	return &GateResult{
		Allowed:      true,
		IsPremium:    rec.IsPremium,
		RequestCount: rec.RequestCount,
	}, nil
}
