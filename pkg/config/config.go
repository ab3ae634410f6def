// Package config loads service configuration from the environment.
// Missing required settings fail Load, which prevents startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Config holds the full service configuration.
type Config struct {
	// StripeSecretKey is the Stripe API secret key (required)
	StripeSecretKey string

	// StripeWebhookSecret is the webhook signing secret (required)
	StripeWebhookSecret string

	// StripePriceID is the default subscription price (required)
	StripePriceID string

	// StoreURL selects and configures the storage backend by scheme:
	// postgres://, redis://, firestore://<project-id>, memory:// (required)
	StoreURL string

	// StoreServiceKey is an optional store credential (e.g. a service
	// account key file path for Firestore)
	StoreServiceKey string

	// FrontendURL is the base URL checkout and portal sessions return to (required)
	FrontendURL string

	// AllowedOrigins is the CORS allow list, comma separated
	// (default: FrontendURL)
	AllowedOrigins []string

	// Port is the HTTP listen port (default: 8080)
	Port int

	// FreeRequestLimit is the free-tier request limit (default: 5)
	FreeRequestLimit int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceID:       os.Getenv("STRIPE_PRICE_ID"),
		StoreURL:            os.Getenv("STORE_URL"),
		StoreServiceKey:     os.Getenv("STORE_SERVICE_KEY"),
		FrontendURL:         os.Getenv("FRONTEND_URL"),
		Port:                8080,
		FreeRequestLimit:    quotagate.DefaultFreeLimit,
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Port = p
	}

	if limit := os.Getenv("FREE_REQUEST_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l < 0 {
			return nil, fmt.Errorf("invalid FREE_REQUEST_LIMIT %q", limit)
		}
		cfg.FreeRequestLimit = l
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{cfg.FrontendURL}
	}
	return cfg, nil
}

// Validate checks that all required settings are present.
func (c *Config) Validate() error {
	var missing []string
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.StripePriceID == "" {
		missing = append(missing, "STRIPE_PRICE_ID")
	}
	if c.StoreURL == "" {
		missing = append(missing, "STORE_URL")
	}
	if c.FrontendURL == "" {
		missing = append(missing, "FRONTEND_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
