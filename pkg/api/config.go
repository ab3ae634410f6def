package api

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/quotagate/pkg/billing"
	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Config holds configuration for the API handler.
type Config struct {
	// Gate is the quota gate instance (required)
	Gate *quotagate.Gate

	// Store is the quota record store (required)
	Store quotagate.Store

	// Sessions brokers checkout and portal sessions (required)
	Sessions billing.Sessions

	// Webhook is the billing provider's webhook handler (required)
	Webhook http.Handler

	// AllowedOrigins lists origins permitted by the CORS middleware.
	// Empty means no cross-origin requests are allowed.
	AllowedOrigins []string

	// Logger is the logger for request handling (defaults to Nop)
	Logger zerolog.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("sessions is required")
	}
	if c.Webhook == nil {
		return fmt.Errorf("webhook handler is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config: config,
	}, nil
}
