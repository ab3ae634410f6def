// Package billing defines the provider-agnostic seam between the quota
// store and a payment provider's webhook and hosted-session APIs.
package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a billing backend must implement.
// The application wires one provider; swapping it requires no logic changes.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// events. The implementation handles signature verification, event
	// classification, and store reconciliation internally.
	WebhookHandler() http.Handler
}

// CheckoutSession is a created hosted-checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}

// Sessions is implemented by providers that broker hosted checkout and
// billing-portal flows.
type Sessions interface {
	// CreateCheckoutSession creates a subscription checkout session for the
	// user. priceID may be empty, in which case the provider's configured
	// default price is used.
	CreateCheckoutSession(ctx context.Context, userID, email, priceID string) (*CheckoutSession, error)

	// CreatePortalSession creates a billing-portal session for an existing
	// customer and returns its URL.
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
}
