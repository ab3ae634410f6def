package stripe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

func TestNormalizeSubscriptionRequiresCustomer(t *testing.T) {
	sub := &stripe.Subscription{ID: "sub_1"}
	if _, err := normalizeSubscription(sub, nil, time.Now()); err == nil {
		t.Fatal("Expected error for subscription without customer")
	}
}

func TestNormalizeSubscriptionCancelingSynthesis(t *testing.T) {
	sub := &stripe.Subscription{
		ID:                "sub_1",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		Customer:          &stripe.Customer{ID: "cus_1"},
	}

	ev, err := normalizeSubscription(sub, nil, time.Now())
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if ev.Status != quotagate.StatusCanceling {
		t.Errorf("Expected canceling, got %s", ev.Status)
	}

	// Without the flag the status passes through verbatim
	sub.CancelAtPeriodEnd = false
	ev, err = normalizeSubscription(sub, nil, time.Now())
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if ev.Status != quotagate.StatusActive {
		t.Errorf("Expected active, got %s", ev.Status)
	}

	// cancel_at_period_end on a non-active status does not synthesize
	sub.CancelAtPeriodEnd = true
	sub.Status = stripe.SubscriptionStatusPastDue
	ev, err = normalizeSubscription(sub, nil, time.Now())
	if err != nil {
		t.Fatalf("Failed to normalize: %v", err)
	}
	if ev.Status != "past_due" {
		t.Errorf("Expected past_due, got %s", ev.Status)
	}
}

func TestResolvePeriodEndFromRawPayload(t *testing.T) {
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	raw := []byte(fmt.Sprintf(`{"id":"sub_1","current_period_end":%d}`, end.Unix()))
	sub := &stripe.Subscription{ID: "sub_1"}

	if got := resolvePeriodEnd(sub, raw); !got.Equal(end) {
		t.Errorf("Expected %v, got %v", end, got)
	}
}

func TestResolvePeriodEndFromFirstItem(t *testing.T) {
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &stripe.Subscription{
		ID: "sub_1",
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{CurrentPeriodEnd: end.Unix()},
			},
		},
	}

	if got := resolvePeriodEnd(sub, nil); !got.Equal(end) {
		t.Errorf("Expected %v, got %v", end, got)
	}
}

func TestResolvePeriodEndFallsBackToAnchor(t *testing.T) {
	anchor := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	sub := &stripe.Subscription{
		ID:                 "sub_1",
		BillingCycleAnchor: anchor.Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price: &stripe.Price{
						Recurring: &stripe.PriceRecurring{
							Interval:      stripe.PriceRecurringIntervalMonth,
							IntervalCount: 3,
						},
					},
				},
			},
		},
	}

	// Calendar-aware month addition: Jan 31 + 3 months
	want := anchor.AddDate(0, 3, 0)
	if got := resolvePeriodEnd(sub, nil); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestResolvePeriodEndWeekInterval(t *testing.T) {
	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &stripe.Subscription{
		ID:                 "sub_1",
		BillingCycleAnchor: anchor.Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price: &stripe.Price{
						Recurring: &stripe.PriceRecurring{
							Interval:      stripe.PriceRecurringIntervalWeek,
							IntervalCount: 2,
						},
					},
				},
			},
		},
	}

	want := anchor.AddDate(0, 0, 14)
	if got := resolvePeriodEnd(sub, nil); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestResolvePeriodEndDefaultsToOneMonth(t *testing.T) {
	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &stripe.Subscription{
		ID:                 "sub_1",
		BillingCycleAnchor: anchor.Unix(),
	}

	want := anchor.AddDate(0, 1, 0)
	if got := resolvePeriodEnd(sub, nil); !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestInvoiceSubscriptionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string reference", `{"id":"in_1","subscription":"sub_1"}`, "sub_1"},
		{"expanded object", `{"id":"in_1","subscription":{"id":"sub_2"}}`, "sub_2"},
		{"parent nesting", `{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_3"}}}`, "sub_3"},
		{"not a subscription invoice", `{"id":"in_1"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := invoiceSubscriptionID([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Failed to extract: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNormalizeDeletion(t *testing.T) {
	now := time.Now().UTC()
	eventTS := now.Add(-time.Minute)
	sub := &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusCanceled,
		Customer: &stripe.Customer{ID: "cus_1"},
	}

	ev := normalizeDeletion(sub, eventTS, now)
	if !ev.Deleted {
		t.Error("Expected Deleted flag")
	}
	if ev.Status != quotagate.StatusCanceled {
		t.Errorf("Expected canceled, got %s", ev.Status)
	}
	if !ev.PeriodEnd.Equal(now) {
		t.Errorf("Expected processing time as period end, got %v", ev.PeriodEnd)
	}
	if !ev.Timestamp.Equal(eventTS) {
		t.Errorf("Expected event timestamp preserved, got %v", ev.Timestamp)
	}
}
