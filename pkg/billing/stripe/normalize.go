package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// subscriptionPeriodFields are the raw payload fields consulted before
// falling back to the typed SDK struct. Stripe moved current_period_end off
// the subscription object in newer API versions, but webhook payloads from
// accounts pinned to older versions still carry it at the top level.
type subscriptionPeriodFields struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

// normalizeSubscription extracts the canonical event tuple from a Stripe
// subscription object. raw is the webhook payload the subscription was
// decoded from and may be nil when sub was fetched from the API instead.
func normalizeSubscription(sub *stripe.Subscription, raw []byte, eventTimestamp time.Time) (quotagate.SubscriptionEvent, error) {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return quotagate.SubscriptionEvent{}, fmt.Errorf("subscription %s has no customer", sub.ID)
	}

	return quotagate.SubscriptionEvent{
		CustomerID:     sub.Customer.ID,
		SubscriptionID: sub.ID,
		Status:         canonicalStatus(sub),
		PeriodEnd:      resolvePeriodEnd(sub, raw),
		Timestamp:      eventTimestamp,
	}, nil
}

// normalizeDeletion builds the canonical tuple for a deletion event. Status
// is forced to canceled and the effective date is the processing time, not
// derived from the payload.
func normalizeDeletion(sub *stripe.Subscription, eventTimestamp, now time.Time) quotagate.SubscriptionEvent {
	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	return quotagate.SubscriptionEvent{
		CustomerID:     customerID,
		SubscriptionID: sub.ID,
		Status:         quotagate.StatusCanceled,
		PeriodEnd:      now,
		Timestamp:      eventTimestamp,
		Deleted:        true,
	}
}

// canonicalStatus returns the subscription status verbatim, except that an
// active subscription flagged cancel-at-period-end becomes "canceling" so
// the store can distinguish "still paying, but will lapse" from plain
// active.
func canonicalStatus(sub *stripe.Subscription) string {
	status := string(sub.Status)
	if sub.CancelAtPeriodEnd && status == quotagate.StatusActive {
		return quotagate.StatusCanceling
	}
	return status
}

// resolvePeriodEnd resolves the billing-period end, in order:
//  1. an explicit top-level current_period_end on the raw payload
//  2. the current period end of the first subscription item
//  3. the billing-cycle anchor advanced by interval x count
func resolvePeriodEnd(sub *stripe.Subscription, raw []byte) time.Time {
	if len(raw) > 0 {
		var fields subscriptionPeriodFields
		if err := json.Unmarshal(raw, &fields); err == nil && fields.CurrentPeriodEnd > 0 {
			return time.Unix(fields.CurrentPeriodEnd, 0).UTC()
		}
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		if end := sub.Items.Data[0].CurrentPeriodEnd; end > 0 {
			return time.Unix(end, 0).UTC()
		}
	}

	interval, count := billingInterval(sub)
	return advanceAnchor(time.Unix(sub.BillingCycleAnchor, 0).UTC(), interval, count)
}

// billingInterval returns the recurring interval of the first subscription
// item, defaulting to one month when the payload does not carry one.
func billingInterval(sub *stripe.Subscription) (stripe.PriceRecurringInterval, int) {
	interval := stripe.PriceRecurringIntervalMonth
	count := 1

	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return interval, count
	}
	price := sub.Items.Data[0].Price
	if price == nil || price.Recurring == nil {
		return interval, count
	}
	if price.Recurring.Interval != "" {
		interval = price.Recurring.Interval
	}
	if price.Recurring.IntervalCount > 0 {
		count = int(price.Recurring.IntervalCount)
	}
	return interval, count
}

// advanceAnchor advances a billing-cycle anchor by count intervals. Month
// and year use calendar-aware addition; day and week use fixed day counts.
func advanceAnchor(anchor time.Time, interval stripe.PriceRecurringInterval, count int) time.Time {
	switch interval {
	case stripe.PriceRecurringIntervalDay:
		return anchor.AddDate(0, 0, count)
	case stripe.PriceRecurringIntervalWeek:
		return anchor.AddDate(0, 0, 7*count)
	case stripe.PriceRecurringIntervalYear:
		return anchor.AddDate(count, 0, 0)
	default:
		return anchor.AddDate(0, count, 0)
	}
}

// invoiceFields is the slice of the invoice payload the dispatcher needs:
// the subscription reference, which may be an id string or an expanded
// object depending on the account's API version.
type invoiceFields struct {
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// invoiceSubscriptionID extracts the subscription id from a raw invoice
// payload. Returns empty for invoices not tied to a subscription.
func invoiceSubscriptionID(raw []byte) (string, error) {
	var fields invoiceFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}

	if len(fields.Subscription) > 0 {
		var id string
		if err := json.Unmarshal(fields.Subscription, &id); err == nil {
			return id, nil
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(fields.Subscription, &obj); err == nil {
			return obj.ID, nil
		}
	}

	// Newer API versions nest the reference under parent.subscription_details
	if fields.Parent != nil && fields.Parent.SubscriptionDetails != nil {
		return fields.Parent.SubscriptionDetails.Subscription, nil
	}

	return "", nil
}
