package quotagate

import (
	"time"
)

// Skip reasons reported by Reconcile when an event is rejected.
const (
	// SkipStaleEvent means the event timestamp is older than the last
	// accepted webhook for the record
	SkipStaleEvent = "stale_event"
	// SkipSuperseded means a canceling event tried to overwrite a record
	// that is already canceled for the same subscription
	SkipSuperseded = "superseded_by_cancellation"
)

// ReconcileOutcome reports whether an event was applied and, if not, why.
// Record is the post-decision state: the updated copy when Updated, the
// unchanged current record otherwise.
type ReconcileOutcome struct {
	Updated bool
	Reason  string
	Record  *UserQuotaRecord
}

// Reconcile decides whether a canonical subscription event may be applied to
// the current record and, if so, computes the resulting state. It is a pure
// function: storage backends call it inside their transaction so the
// ordering and precedence rules exist exactly once.
//
// Acceptance rules, in order:
//
//  1. Events strictly older than the record's LastWebhookTimestamp are
//     rejected (out-of-order or retried delivery must not resurrect stale
//     status). Equal timestamps re-apply the same mutation, which is
//     idempotent.
//  2. A canceling event may not overwrite an already-canceled record unless
//     it is strictly newer AND names a different subscription id. A newer
//     subscription id is a legitimate resubscription; the same id (or none)
//     is the provider replaying the doomed subscription's final updates.
//  3. Deletion events force canceled and drop the premium flag; otherwise
//     the premium flag follows the canonical status.
func Reconcile(rec *UserQuotaRecord, ev SubscriptionEvent, now time.Time) ReconcileOutcome {
	if ev.Timestamp.Before(rec.LastWebhookTimestamp) {
		return ReconcileOutcome{Reason: SkipStaleEvent, Record: rec}
	}

	if !ev.Deleted && ev.Status == StatusCanceling && rec.SubscriptionStatus == StatusCanceled {
		resubscribed := ev.SubscriptionID != "" &&
			ev.SubscriptionID != rec.SubscriptionID &&
			ev.Timestamp.After(rec.LastWebhookTimestamp)
		if !resubscribed {
			return ReconcileOutcome{Reason: SkipSuperseded, Record: rec}
		}
	}

	status := ev.Status
	if ev.Deleted {
		status = StatusCanceled
	}

	updated := *rec
	updated.SubscriptionStatus = status
	updated.IsPremium = PremiumStatus(status)
	if ev.SubscriptionID != "" {
		updated.SubscriptionID = ev.SubscriptionID
	}
	periodEnd := ev.PeriodEnd
	updated.SubscriptionEndDate = &periodEnd
	updated.LastWebhookTimestamp = ev.Timestamp
	updated.UpdatedAt = now

	return ReconcileOutcome{Updated: true, Record: &updated}
}
