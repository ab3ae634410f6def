package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quotagate/pkg/billing"
	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// CreateCheckoutSession creates a Stripe Checkout Session in subscription
// mode and returns its id and URL. A Stripe customer is created and linked
// to the quota record first if the user has none, so that later webhook
// events can locate the record by customer id.
func (p *Provider) CreateCheckoutSession(ctx context.Context, userID, email, priceID string) (*billing.CheckoutSession, error) {
	if priceID == "" {
		priceID = p.defaultPriceID
	}
	if priceID == "" {
		return nil, fmt.Errorf("%w: no price id configured", billing.ErrProviderNotConfigured)
	}

	customerID, err := p.ensureCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.config.SuccessURL),
		CancelURL:  stripe.String(p.config.CancelURL),
	}

	// The webhook handlers resolve the internal user from this metadata
	params.AddMetadata(metadataUserKey, userID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserKey, userID)

	startTime := time.Now()
	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")

	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession creates a Stripe Customer Portal session and returns
// its URL. This lets users manage their subscription, update payment
// methods, or cancel.
func (p *Provider) CreatePortalSession(ctx context.Context, customerID string) (string, error) {
	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.config.ReturnURL),
	}

	startTime := time.Now()
	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")

	return session.URL, nil
}

// ensureCustomer returns the Stripe customer id linked to the user's quota
// record, creating both the record and the customer on first checkout.
func (p *Provider) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	rec, err := p.store.EnsureRecord(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to ensure quota record: %w", err)
	}
	if rec.StripeCustomerID != "" {
		return rec.StripeCustomerID, nil
	}

	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataUserKey, userID)

	startTime := time.Now()
	cust, err := p.stripeClient.V1Customers.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/customers", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/customers", "success")

	if err := p.store.SetCustomerID(ctx, userID, cust.ID); err != nil {
		// A concurrent checkout may have linked a customer first; reuse it
		if errors.Is(err, quotagate.ErrCustomerConflict) {
			rec, getErr := p.store.GetRecord(ctx, userID)
			if getErr == nil && rec.StripeCustomerID != "" {
				return rec.StripeCustomerID, nil
			}
		}
		return "", fmt.Errorf("failed to link customer: %w", err)
	}

	return cust.ID, nil
}
