package quotagate

import (
	"time"
)

// Subscription status values. SubscriptionStatus is free text from the
// billing provider; these are the values the service itself reasons about.
// StatusCanceling is synthesized locally from active + cancel-at-period-end
// and never comes from the provider verbatim.
const (
	// StatusNone means the user has never had a subscription
	StatusNone = "none"
	// StatusActive represents a paid, current subscription
	StatusActive = "active"
	// StatusCanceling means still paying but set to lapse at period end
	StatusCanceling = "canceling"
	// StatusCanceled means the subscription has ended
	StatusCanceled = "canceled"
	// StatusPastDue means the latest renewal payment failed
	StatusPastDue = "past_due"
)

// DefaultFreeLimit is the free-tier request allowance used when no limit is
// configured.
const DefaultFreeLimit = 5

// UserQuotaRecord is the single per-user record shared by the quota gate and
// the webhook reconciler. Exactly one record exists per user id; it is
// created lazily on first access and never deleted.
type UserQuotaRecord struct {
	// UserID is the stable external identity, immutable once created
	UserID string

	// RequestCount is only ever incremented, and only while IsPremium is
	// false. Once premium it is frozen at its last value.
	RequestCount int

	// IsPremium is the sole entitlement gate for unlimited requests
	IsPremium bool

	// SubscriptionStatus is the last accepted canonical status
	SubscriptionStatus string

	// SubscriptionID is the provider subscription the status refers to
	SubscriptionID string

	// SubscriptionEndDate marks the current billing-period end or the
	// cancellation effective date; nil until the first accepted event
	SubscriptionEndDate *time.Time

	// StripeCustomerID is nil-equivalent (empty) until first checkout;
	// once set it is never overwritten with a different value
	StripeCustomerID string

	// LastWebhookTimestamp is the provider creation time of the most
	// recently accepted webhook event. Events older than this are rejected.
	LastWebhookTimestamp time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PremiumStatus reports whether a canonical subscription status grants the
// premium entitlement. Canceling still counts: the user paid through the
// current period.
func PremiumStatus(status string) bool {
	return status == StatusActive || status == StatusCanceling
}

// SubscriptionEvent is the canonical tuple the event normalizer extracts
// from heterogeneous billing payload shapes. One value per
// subscription-affecting webhook event.
type SubscriptionEvent struct {
	// CustomerID identifies the record to reconcile against
	CustomerID string

	// SubscriptionID is the provider subscription id; may be empty for
	// payload shapes that do not carry one
	SubscriptionID string

	// Status is the canonical status (StatusCanceling already synthesized)
	Status string

	// PeriodEnd is the resolved billing-period end or cancellation
	// effective date
	PeriodEnd time.Time

	// Timestamp is the provider-assigned event creation time, used for
	// ordering
	Timestamp time.Time

	// Deleted marks a deletion/cancellation event, which always forces
	// canceled regardless of the payload status
	Deleted bool
}

// GateResult is the outcome of a quota check. On denial Message carries
// user-facing guidance and Limit the numeric allowance so callers can render
// it.
type GateResult struct {
	Allowed      bool   `json:"allowed"`
	IsPremium    bool   `json:"isPremium"`
	RequestCount int    `json:"requestCount"`
	Limit        int    `json:"limit,omitempty"`
	Message      string `json:"message,omitempty"`
}
