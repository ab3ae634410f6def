package quotagate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRecord(t *testing.T) *UserQuotaRecord {
	t.Helper()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &UserQuotaRecord{
		UserID:               "user-1",
		RequestCount:         3,
		IsPremium:            true,
		SubscriptionStatus:   StatusActive,
		SubscriptionID:       "sub_1",
		StripeCustomerID:     "cus_1",
		LastWebhookTimestamp: created.Add(24 * time.Hour),
		CreatedAt:            created,
		UpdatedAt:            created,
	}
}

func TestReconcileAppliesNewerEvent(t *testing.T) {
	rec := baseRecord(t)
	periodEnd := rec.LastWebhookTimestamp.Add(30 * 24 * time.Hour)
	now := time.Now().UTC()

	outcome := Reconcile(rec, SubscriptionEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         StatusPastDue,
		PeriodEnd:      periodEnd,
		Timestamp:      rec.LastWebhookTimestamp.Add(time.Hour),
	}, now)

	require.True(t, outcome.Updated)
	assert.Equal(t, StatusPastDue, outcome.Record.SubscriptionStatus)
	assert.False(t, outcome.Record.IsPremium)
	require.NotNil(t, outcome.Record.SubscriptionEndDate)
	assert.Equal(t, periodEnd, *outcome.Record.SubscriptionEndDate)
	assert.Equal(t, now, outcome.Record.UpdatedAt)

	// The input record is left untouched
	assert.Equal(t, StatusActive, rec.SubscriptionStatus)
	assert.True(t, rec.IsPremium)
}

func TestReconcileRejectsStaleEvent(t *testing.T) {
	rec := baseRecord(t)

	outcome := Reconcile(rec, SubscriptionEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         StatusCanceled,
		Timestamp:      rec.LastWebhookTimestamp.Add(-time.Minute),
	}, time.Now().UTC())

	assert.False(t, outcome.Updated)
	assert.Equal(t, SkipStaleEvent, outcome.Reason)
	assert.Equal(t, StatusActive, outcome.Record.SubscriptionStatus)
}

func TestReconcileAcceptsEqualTimestamp(t *testing.T) {
	rec := baseRecord(t)

	outcome := Reconcile(rec, SubscriptionEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         StatusActive,
		PeriodEnd:      rec.LastWebhookTimestamp.Add(30 * 24 * time.Hour),
		Timestamp:      rec.LastWebhookTimestamp,
	}, time.Now().UTC())

	// Duplicate delivery re-applies the identical mutation
	assert.True(t, outcome.Updated)
	assert.Equal(t, StatusActive, outcome.Record.SubscriptionStatus)
}

func TestReconcileCancelingDoesNotResurrectCanceled(t *testing.T) {
	rec := baseRecord(t)
	rec.SubscriptionStatus = StatusCanceled
	rec.IsPremium = false

	outcome := Reconcile(rec, SubscriptionEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         StatusCanceling,
		Timestamp:      rec.LastWebhookTimestamp.Add(time.Hour),
	}, time.Now().UTC())

	assert.False(t, outcome.Updated)
	assert.Equal(t, SkipSuperseded, outcome.Reason)
	assert.Equal(t, StatusCanceled, outcome.Record.SubscriptionStatus)
	assert.False(t, outcome.Record.IsPremium)
}

func TestReconcileCancelingForNewSubscriptionAccepted(t *testing.T) {
	rec := baseRecord(t)
	rec.SubscriptionStatus = StatusCanceled
	rec.IsPremium = false

	outcome := Reconcile(rec, SubscriptionEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_2",
		Status:         StatusCanceling,
		PeriodEnd:      rec.LastWebhookTimestamp.Add(30 * 24 * time.Hour),
		Timestamp:      rec.LastWebhookTimestamp.Add(time.Hour),
	}, time.Now().UTC())

	// A different subscription id on a strictly newer event is a resubscription
	require.True(t, outcome.Updated)
	assert.Equal(t, StatusCanceling, outcome.Record.SubscriptionStatus)
	assert.True(t, outcome.Record.IsPremium)
	assert.Equal(t, "sub_2", outcome.Record.SubscriptionID)
}

func TestReconcileDeletionForcesCanceled(t *testing.T) {
	rec := baseRecord(t)
	now := time.Now().UTC()

	outcome := Reconcile(rec, SubscriptionEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         StatusCanceled,
		PeriodEnd:      now,
		Timestamp:      rec.LastWebhookTimestamp.Add(time.Hour),
		Deleted:        true,
	}, now)

	require.True(t, outcome.Updated)
	assert.Equal(t, StatusCanceled, outcome.Record.SubscriptionStatus)
	assert.False(t, outcome.Record.IsPremium)
	require.NotNil(t, outcome.Record.SubscriptionEndDate)
	assert.Equal(t, now, *outcome.Record.SubscriptionEndDate)
}

func TestPremiumStatus(t *testing.T) {
	assert.True(t, PremiumStatus(StatusActive))
	assert.True(t, PremiumStatus(StatusCanceling))
	assert.False(t, PremiumStatus(StatusCanceled))
	assert.False(t, PremiumStatus(StatusPastDue))
	assert.False(t, PremiumStatus(StatusNone))
	assert.False(t, PremiumStatus("trialing"))
}
