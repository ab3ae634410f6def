package quotagate

import (
	"context"
)

// Store defines the interface for quota record persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// ConsumeRequest and ApplyEvent are the only mutation paths for shared
// state and MUST be atomic: concurrent calls for the same user or customer
// serialize inside the implementation (transaction, script, or lock), never
// interleave a read with a later blind write.
type Store interface {
	// EnsureRecord returns the record for userID, creating it with zero
	// count and no premium entitlement if absent. Idempotent.
	EnsureRecord(ctx context.Context, userID string) (*UserQuotaRecord, error)

	// GetRecord retrieves the record for userID.
	// Returns ErrRecordNotFound if none exists.
	GetRecord(ctx context.Context, userID string) (*UserQuotaRecord, error)

	// GetRecordByCustomerID retrieves the record linked to a billing
	// customer id. Returns ErrCustomerNotFound if no record is linked.
	GetRecordByCustomerID(ctx context.Context, customerID string) (*UserQuotaRecord, error)

	// ConsumeRequest atomically consumes one free-tier request, creating
	// the record first if absent. Premium records are returned unchanged.
	// Non-premium records at or above limit return the current record
	// together with ErrQuotaExceeded, without mutation.
	ConsumeRequest(ctx context.Context, userID string, limit int) (*UserQuotaRecord, error)

	// SetCustomerID links a billing customer id to the user's record,
	// creating the record if absent. Setting the same value again is a
	// no-op; a different value returns ErrCustomerConflict.
	SetCustomerID(ctx context.Context, userID, customerID string) error

	// ApplyEvent runs the reconciliation decision (Reconcile) against the
	// record linked to ev.CustomerID as a single atomic read-modify-write.
	// Returns ErrCustomerNotFound if no record is linked; a rejected event
	// is not an error and is reported through the outcome.
	ApplyEvent(ctx context.Context, ev SubscriptionEvent) (*ReconcileOutcome, error)
}
