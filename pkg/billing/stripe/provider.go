// Package stripe implements the billing provider against the Stripe API:
// webhook event reconciliation, checkout sessions, and the customer portal.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quotagate/pkg/billing"
	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second

	// metadataUserKey is the metadata key carrying the internal user id on
	// checkout sessions and subscriptions
	metadataUserKey = "user_id"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Store, WebhookSecret, APIKey, ...)

	// SuccessURL and CancelURL are where Stripe sends the user after
	// checkout; ReturnURL is where the billing portal returns to.
	SuccessURL string
	CancelURL  string
	ReturnURL  string
}

// Provider implements billing.Provider and billing.Sessions for Stripe.
type Provider struct {
	store          quotagate.Store
	config         Config
	httpClient     *http.Client
	webhookSecret  []byte
	apiKey         string
	defaultPriceID string
	stripeClient   *stripe.Client
	metrics        billing.Metrics
	logger         zerolog.Logger
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		store:          config.Store,
		config:         config,
		httpClient:     httpClient,
		webhookSecret:  []byte(strings.TrimSpace(config.WebhookSecret)),
		apiKey:         apiKey,
		defaultPriceID: strings.TrimSpace(config.DefaultPriceID),
		stripeClient:   stripe.NewClient(apiKey),
		metrics:        metrics,
		logger:         config.Logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}
