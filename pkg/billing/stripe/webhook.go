package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

const webhookBodyLimit = 256 * 1024

// handleWebhook processes incoming Stripe webhook events.
// SECURITY: signature verification (ConstructEvent) is the authentication
// mechanism for this endpoint.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	sig := r.Header.Get("Stripe-Signature")

	// Verify webhook signature; nothing is processed on failure
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		// Stripe retries on non-2xx, so a failed handler surfaces here
		p.logger.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", eventType).
			Msg("webhook processing failed")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"received":true}`)); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent classifies an event and routes it to exactly one
// handler family. Unknown event types are acknowledged silently: the sender
// retries on failure, and an unrecognized type will never become
// recognizable.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChange(ctx, event, eventTimestamp)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, eventTimestamp)
	case "invoice.paid", "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, event, eventTimestamp)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	default:
		p.logger.Debug().
			Str("event_type", string(event.Type)).
			Msg("ignoring unknown webhook event type")
		return nil
	}
}

// handleSubscriptionChange processes customer.subscription.created and
// customer.subscription.updated events.
func (p *Provider) handleSubscriptionChange(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	ev, err := normalizeSubscription(&subscription, event.Data.Raw, eventTimestamp)
	if err != nil {
		return err
	}

	return p.applyEvent(ctx, ev)
}

// handleSubscriptionDeleted processes customer.subscription.deleted events.
// The canonical status is forced to canceled and the effective date is the
// processing time, not anything derived from the payload.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	ev := normalizeDeletion(&subscription, eventTimestamp, time.Now().UTC())
	return p.applyEvent(ctx, ev)
}

// handleInvoicePaid processes invoice.paid and invoice.payment_succeeded
// events (treated identically). The invoice payload does not carry enough
// subscription state, so the subscription is fetched from the API and
// reconciled like a subscription update.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	subscriptionID, err := invoiceSubscriptionID(event.Data.Raw)
	if err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	startTime := time.Now()
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		return fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions", "success")

	ev, err := normalizeSubscription(sub, nil, eventTimestamp)
	if err != nil {
		return err
	}

	return p.applyEvent(ctx, ev)
}

// handleInvoicePaymentFailed logs the failure but does not change state:
// Stripe emits customer.subscription.updated with past_due when the
// subscription itself transitions.
func (p *Provider) handleInvoicePaymentFailed(_ context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	p.logger.Warn().
		Str("invoice_id", invoice.ID).
		Str("event_id", event.ID).
		Msg("invoice payment failed")
	p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")
	return nil
}

// handleCheckoutSessionCompleted persists the customer id against the
// internal user id carried in session metadata. No status or period
// computation happens on this path.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata[metadataUserKey]
	}
	if userID == "" {
		// Designed no-op: without the internal user id there is nothing to
		// link, and failing would only make Stripe retry forever
		p.logger.Warn().
			Str("session_id", session.ID).
			Msg("checkout session completed without user_id metadata, skipping")
		return nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	if customerID == "" {
		p.logger.Warn().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Msg("checkout session completed without customer, skipping")
		return nil
	}

	if _, err := p.store.EnsureRecord(ctx, userID); err != nil {
		return fmt.Errorf("failed to ensure quota record: %w", err)
	}

	if err := p.store.SetCustomerID(ctx, userID, customerID); err != nil {
		if errors.Is(err, quotagate.ErrCustomerConflict) {
			// Customer id once set is never overwritten by ordinary flows
			p.logger.Error().
				Str("user_id", userID).
				Str("customer_id", customerID).
				Msg("checkout session customer conflicts with linked customer")
		}
		return fmt.Errorf("failed to link customer: %w", err)
	}

	p.logger.Info().
		Str("user_id", userID).
		Str("customer_id", customerID).
		Msg("linked billing customer to user")
	return nil
}

// applyEvent hands the canonical tuple to the store's atomic reconcile and
// logs the decision. A rejected event (stale or superseded) is a designed
// no-op; an unknown customer is a genuine error and fails the webhook so the
// sender retries after the checkout-completion event links the customer.
func (p *Provider) applyEvent(ctx context.Context, ev quotagate.SubscriptionEvent) error {
	outcome, err := p.store.ApplyEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, quotagate.ErrCustomerNotFound) {
			p.metrics.RecordReconcileOutcome(providerName, "unknown_customer")
			p.logger.Error().
				Str("customer_id", ev.CustomerID).
				Str("subscription_id", ev.SubscriptionID).
				Msg("webhook event for unknown customer")
		}
		return fmt.Errorf("failed to apply event for customer %s: %w", ev.CustomerID, err)
	}

	if !outcome.Updated {
		p.metrics.RecordReconcileOutcome(providerName, outcome.Reason)
		p.logger.Info().
			Str("customer_id", ev.CustomerID).
			Str("subscription_id", ev.SubscriptionID).
			Str("status", ev.Status).
			Str("reason", outcome.Reason).
			Time("event_timestamp", ev.Timestamp).
			Msg("skipped webhook update")
		return nil
	}

	p.metrics.RecordReconcileOutcome(providerName, "applied")
	p.logger.Info().
		Str("customer_id", ev.CustomerID).
		Str("user_id", outcome.Record.UserID).
		Str("status", outcome.Record.SubscriptionStatus).
		Bool("is_premium", outcome.Record.IsPremium).
		Msg("applied webhook update")
	return nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
