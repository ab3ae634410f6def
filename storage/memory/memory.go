// Package memory provides an in-memory implementation of the
// quotagate.Store interface. This implementation is primarily intended for
// testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Storage implements quotagate.Store using in-memory maps. A single mutex
// serializes all mutations, which gives ConsumeRequest and ApplyEvent the
// required atomicity.
type Storage struct {
	mu         sync.RWMutex
	records    map[string]*quotagate.UserQuotaRecord
	byCustomer map[string]string // customer id -> user id
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		records:    make(map[string]*quotagate.UserQuotaRecord),
		byCustomer: make(map[string]string),
	}
}

// EnsureRecord implements quotagate.Store.
func (s *Storage) EnsureRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(userID)
	recCopy := *rec
	return &recCopy, nil
}

// GetRecord implements quotagate.Store.
func (s *Storage) GetRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, quotagate.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	recCopy := *rec
	return &recCopy, nil
}

// GetRecordByCustomerID implements quotagate.Store.
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*quotagate.UserQuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byCustomer[customerID]
	if !ok {
		return nil, quotagate.ErrCustomerNotFound
	}

	recCopy := *s.records[userID]
	return &recCopy, nil
}

// ConsumeRequest implements quotagate.Store with lock-held check-and-increment.
func (s *Storage) ConsumeRequest(ctx context.Context, userID string, limit int) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(userID)

	if rec.IsPremium {
		recCopy := *rec
		return &recCopy, nil
	}

	if rec.RequestCount >= limit {
		recCopy := *rec
		return &recCopy, quotagate.ErrQuotaExceeded
	}

	rec.RequestCount++
	rec.UpdatedAt = time.Now().UTC()

	recCopy := *rec
	return &recCopy, nil
}

// SetCustomerID implements quotagate.Store.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureLocked(userID)

	if rec.StripeCustomerID != "" && rec.StripeCustomerID != customerID {
		return quotagate.ErrCustomerConflict
	}
	if rec.StripeCustomerID == customerID {
		return nil
	}

	rec.StripeCustomerID = customerID
	rec.UpdatedAt = time.Now().UTC()
	s.byCustomer[customerID] = userID
	return nil
}

// ApplyEvent implements quotagate.Store. The reconciliation decision runs
// under the lock, so concurrent deliveries for the same customer serialize.
func (s *Storage) ApplyEvent(ctx context.Context, ev quotagate.SubscriptionEvent) (*quotagate.ReconcileOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byCustomer[ev.CustomerID]
	if !ok {
		return nil, quotagate.ErrCustomerNotFound
	}
	rec := s.records[userID]

	outcome := quotagate.Reconcile(rec, ev, time.Now().UTC())
	if outcome.Updated {
		s.records[userID] = outcome.Record
	}

	recCopy := *outcome.Record
	outcome.Record = &recCopy
	return &outcome, nil
}

// ensureLocked creates the record if absent. Caller must hold the write lock.
func (s *Storage) ensureLocked(userID string) *quotagate.UserQuotaRecord {
	rec, ok := s.records[userID]
	if ok {
		return rec
	}

	now := time.Now().UTC()
	rec = &quotagate.UserQuotaRecord{
		UserID:             userID,
		SubscriptionStatus: quotagate.StatusNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.records[userID] = rec
	return rec
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*quotagate.UserQuotaRecord)
	s.byCustomer = make(map[string]string)
}
