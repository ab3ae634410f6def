package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quotagate/pkg/billing"
	"github.com/mihaimyh/quotagate/pkg/quotagate"
	"github.com/mihaimyh/quotagate/storage/memory"
)

const (
	testAPIKey        = "sk_test_123"
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "user-1"
	testCustomerID    = "cus_test_1"
)

func newTestProvider(t *testing.T) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store:         store,
			WebhookSecret: testWebhookSecret,
			APIKey:        testAPIKey,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider, store
}

// signPayload builds a Stripe-Signature header the way Stripe does:
// HMAC-SHA256 over "<timestamp>.<payload>" with the signing secret.
func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventType string, created time.Time, object string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_test_1","object":"event","api_version":%q,"type":%q,"created":%d,"data":{"object":%s}}`,
		stripe.APIVersion, eventType, created.Unix(), object))
}

func postWebhook(t *testing.T, provider *Provider, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, req)
	return w
}

func linkCustomer(t *testing.T, store *memory.Storage) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.EnsureRecord(ctx, testUserID); err != nil {
		t.Fatalf("Failed to ensure record: %v", err)
	}
	if err := store.SetCustomerID(ctx, testUserID, testCustomerID); err != nil {
		t.Fatalf("Failed to link customer: %v", err)
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	provider, store := newTestProvider(t)
	linkCustomer(t, store)

	now := time.Now()
	payload := eventPayload("customer.subscription.updated", now, fmt.Sprintf(
		`{"id":"sub_1","object":"subscription","status":"active","customer":%q,"current_period_end":%d}`,
		testCustomerID, now.Add(30*24*time.Hour).Unix()))

	w := postWebhook(t, provider, payload, signPayload(payload, "whsec_wrong", now))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}

	// No store mutation happened
	rec, err := store.GetRecord(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec.IsPremium || rec.SubscriptionStatus != quotagate.StatusNone {
		t.Errorf("Record was mutated despite signature failure: %+v", rec)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	provider, _ := newTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/stripe", nil)
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", w.Code)
	}
}

func TestWebhookAcknowledgesUnknownEventType(t *testing.T) {
	provider, _ := newTestProvider(t)

	now := time.Now()
	payload := eventPayload("product.created", now, `{"id":"prod_1"}`)

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); body != `{"received":true}` {
		t.Errorf("Unexpected body: %s", body)
	}
}

func TestWebhookSubscriptionUpdatedGrantsPremium(t *testing.T) {
	provider, store := newTestProvider(t)
	linkCustomer(t, store)

	now := time.Now()
	periodEnd := now.Add(30 * 24 * time.Hour)
	payload := eventPayload("customer.subscription.updated", now, fmt.Sprintf(
		`{"id":"sub_1","object":"subscription","status":"active","customer":%q,"current_period_end":%d}`,
		testCustomerID, periodEnd.Unix()))

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := store.GetRecord(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if !rec.IsPremium {
		t.Error("Expected premium after active subscription event")
	}
	if rec.SubscriptionStatus != quotagate.StatusActive {
		t.Errorf("Expected status active, got %s", rec.SubscriptionStatus)
	}
	if rec.SubscriptionID != "sub_1" {
		t.Errorf("Expected subscription id sub_1, got %s", rec.SubscriptionID)
	}
	if rec.SubscriptionEndDate == nil || rec.SubscriptionEndDate.Unix() != periodEnd.Unix() {
		t.Errorf("Unexpected period end: %v", rec.SubscriptionEndDate)
	}
}

func TestWebhookCancelAtPeriodEndBecomesCanceling(t *testing.T) {
	provider, store := newTestProvider(t)
	linkCustomer(t, store)

	now := time.Now()
	payload := eventPayload("customer.subscription.updated", now, fmt.Sprintf(
		`{"id":"sub_1","object":"subscription","status":"active","cancel_at_period_end":true,"customer":%q,"current_period_end":%d}`,
		testCustomerID, now.Add(10*24*time.Hour).Unix()))

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := store.GetRecord(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec.SubscriptionStatus != quotagate.StatusCanceling {
		t.Errorf("Expected status canceling, got %s", rec.SubscriptionStatus)
	}
	if !rec.IsPremium {
		t.Error("Canceling users remain premium until the period ends")
	}
}

func TestWebhookStaleEventIsNoOp(t *testing.T) {
	provider, store := newTestProvider(t)
	linkCustomer(t, store)

	ctx := context.Background()
	now := time.Now()

	// Apply a fresh active event directly
	_, err := store.ApplyEvent(ctx, quotagate.SubscriptionEvent{
		CustomerID:     testCustomerID,
		SubscriptionID: "sub_1",
		Status:         quotagate.StatusActive,
		PeriodEnd:      now.Add(30 * 24 * time.Hour),
		Timestamp:      now.UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to apply event: %v", err)
	}

	// Deliver an older cancellation through the webhook
	stale := now.Add(-time.Hour)
	payload := eventPayload("customer.subscription.updated", stale, fmt.Sprintf(
		`{"id":"sub_1","object":"subscription","status":"canceled","customer":%q}`,
		testCustomerID))

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for rejected stale event, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := store.GetRecord(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if !rec.IsPremium || rec.SubscriptionStatus != quotagate.StatusActive {
		t.Errorf("Stale event mutated the record: %+v", rec)
	}
}

func TestWebhookUnknownCustomerFails(t *testing.T) {
	provider, _ := newTestProvider(t)

	now := time.Now()
	payload := eventPayload("customer.subscription.updated", now, fmt.Sprintf(
		`{"id":"sub_1","object":"subscription","status":"active","customer":%q,"current_period_end":%d}`,
		"cus_unknown", now.Add(30*24*time.Hour).Unix()))

	// The sender retries on 500 until a checkout event links the customer
	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhookSubscriptionDeletedCancels(t *testing.T) {
	provider, store := newTestProvider(t)
	linkCustomer(t, store)

	ctx := context.Background()
	earlier := time.Now().Add(-time.Hour)
	_, err := store.ApplyEvent(ctx, quotagate.SubscriptionEvent{
		CustomerID:     testCustomerID,
		SubscriptionID: "sub_1",
		Status:         quotagate.StatusActive,
		PeriodEnd:      earlier.Add(30 * 24 * time.Hour),
		Timestamp:      earlier.UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to apply event: %v", err)
	}

	now := time.Now()
	payload := eventPayload("customer.subscription.deleted", now, fmt.Sprintf(
		`{"id":"sub_1","object":"subscription","status":"canceled","customer":%q}`,
		testCustomerID))

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := store.GetRecord(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec.IsPremium {
		t.Error("Expected premium dropped after deletion")
	}
	if rec.SubscriptionStatus != quotagate.StatusCanceled {
		t.Errorf("Expected status canceled, got %s", rec.SubscriptionStatus)
	}
	if rec.SubscriptionEndDate == nil {
		t.Error("Expected deletion to set the effective end date")
	}
}

func TestWebhookCheckoutCompletedLinksCustomer(t *testing.T) {
	provider, store := newTestProvider(t)

	now := time.Now()
	payload := eventPayload("checkout.session.completed", now, fmt.Sprintf(
		`{"id":"cs_1","object":"checkout.session","customer":%q,"metadata":{"user_id":%q}}`,
		testCustomerID, testUserID))

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := store.GetRecordByCustomerID(context.Background(), testCustomerID)
	if err != nil {
		t.Fatalf("Customer was not linked: %v", err)
	}
	if rec.UserID != testUserID {
		t.Errorf("Expected user %s, got %s", testUserID, rec.UserID)
	}
}

func TestWebhookCheckoutCompletedWithoutMetadataIsNoOp(t *testing.T) {
	provider, store := newTestProvider(t)

	now := time.Now()
	payload := eventPayload("checkout.session.completed", now, fmt.Sprintf(
		`{"id":"cs_1","object":"checkout.session","customer":%q}`, testCustomerID))

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if _, err := store.GetRecordByCustomerID(context.Background(), testCustomerID); err == nil {
		t.Error("Expected no record for unlinked customer")
	}
}

func TestWebhookInvoicePaymentFailedDoesNotMutate(t *testing.T) {
	provider, store := newTestProvider(t)
	linkCustomer(t, store)

	ctx := context.Background()
	earlier := time.Now().Add(-time.Hour)
	_, err := store.ApplyEvent(ctx, quotagate.SubscriptionEvent{
		CustomerID:     testCustomerID,
		SubscriptionID: "sub_1",
		Status:         quotagate.StatusActive,
		PeriodEnd:      earlier.Add(30 * 24 * time.Hour),
		Timestamp:      earlier.UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to apply event: %v", err)
	}

	now := time.Now()
	payload := eventPayload("invoice.payment_failed", now,
		`{"id":"in_1","object":"invoice","subscription":"sub_1"}`)

	w := postWebhook(t, provider, payload, signPayload(payload, testWebhookSecret, now))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := store.GetRecord(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if !rec.IsPremium || rec.SubscriptionStatus != quotagate.StatusActive {
		t.Errorf("invoice.payment_failed mutated the record: %+v", rec)
	}
}
