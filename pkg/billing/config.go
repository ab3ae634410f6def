package billing

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Store is the quota store the provider reconciles webhook events into
	Store quotagate.Store

	// WebhookSecret is used to verify incoming webhook requests
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// DefaultPriceID is used for checkout sessions when the caller does not
	// specify a price
	DefaultPriceID string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// Logger is used for structured logging of webhook decisions.
	// If unset, a disabled logger is used.
	Logger zerolog.Logger

	// Metrics is an optional metrics collector for provider operations.
	// If nil, metrics are silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus.
	Metrics Metrics
}
