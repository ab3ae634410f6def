// Package firestore provides a Google Cloud Firestore implementation of the
// quotagate.Store interface. Conditional increments and event reconciliation
// run inside Firestore transactions, which retry on contention.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Storage implements quotagate.Store using Firestore.
type Storage struct {
	client *firestore.Client
	config Config
}

// Config holds Firestore storage configuration.
type Config struct {
	// Collection is the collection holding quota records (default: "user_quotas")
	Collection string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Collection: "user_quotas",
	}
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.Collection == "" {
		config.Collection = "user_quotas"
	}

	return &Storage{client: client, config: config}, nil
}

// Close closes the underlying Firestore client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) doc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.Collection).Doc(userID)
}

// EnsureRecord implements quotagate.Store.
func (s *Storage) EnsureRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var rec *quotagate.UserQuotaRecord
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.doc(userID))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if err == nil && snap.Exists() {
			rec, err = recordFromDoc(userID, snap.Data())
			return err
		}

		now := time.Now().UTC()
		rec = &quotagate.UserQuotaRecord{
			UserID:             userID,
			SubscriptionStatus: quotagate.StatusNone,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return tx.Set(s.doc(userID), docFromRecord(rec))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure quota record: %w", err)
	}
	return rec, nil
}

// GetRecord implements quotagate.Store.
func (s *Storage) GetRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	snap, err := s.doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, quotagate.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}
	return recordFromDoc(userID, snap.Data())
}

// GetRecordByCustomerID implements quotagate.Store.
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*quotagate.UserQuotaRecord, error) {
	iter := s.client.Collection(s.config.Collection).
		Where("stripe_customer_id", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, quotagate.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query by customer id: %w", err)
	}
	return recordFromDoc(snap.Ref.ID, snap.Data())
}

// ConsumeRequest implements quotagate.Store. The check-and-increment runs in
// a transaction so concurrent calls at limit-1 cannot both pass.
func (s *Storage) ConsumeRequest(ctx context.Context, userID string, limit int) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var rec *quotagate.UserQuotaRecord
	var exceeded bool

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		exceeded = false

		snap, err := tx.Get(s.doc(userID))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		now := time.Now().UTC()
		if err != nil || !snap.Exists() {
			rec = &quotagate.UserQuotaRecord{
				UserID:             userID,
				SubscriptionStatus: quotagate.StatusNone,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
		} else {
			rec, err = recordFromDoc(userID, snap.Data())
			if err != nil {
				return err
			}
		}

		if rec.IsPremium {
			if !snap.Exists() {
				return tx.Set(s.doc(userID), docFromRecord(rec))
			}
			return nil
		}

		if rec.RequestCount >= limit {
			exceeded = true
			if !snap.Exists() {
				return tx.Set(s.doc(userID), docFromRecord(rec))
			}
			return nil
		}

		rec.RequestCount++
		rec.UpdatedAt = now
		return tx.Set(s.doc(userID), docFromRecord(rec))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume request: %w", err)
	}

	if exceeded {
		return rec, quotagate.ErrQuotaExceeded
	}
	return rec, nil
}

// SetCustomerID implements quotagate.Store.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	var conflict bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		conflict = false

		snap, err := tx.Get(s.doc(userID))
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		now := time.Now().UTC()
		if err != nil || !snap.Exists() {
			rec := &quotagate.UserQuotaRecord{
				UserID:             userID,
				SubscriptionStatus: quotagate.StatusNone,
				StripeCustomerID:   customerID,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			return tx.Set(s.doc(userID), docFromRecord(rec))
		}

		existing, _ := snap.Data()["stripe_customer_id"].(string)
		if existing != "" && existing != customerID {
			conflict = true
			return nil
		}
		if existing == customerID {
			return nil
		}

		return tx.Set(s.doc(userID), map[string]interface{}{
			"stripe_customer_id": customerID,
			"updated_at":         now,
		}, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}

	if conflict {
		return quotagate.ErrCustomerConflict
	}
	return nil
}

// ApplyEvent implements quotagate.Store. The customer lookup happens outside
// the transaction (Firestore transactions cannot run queries on all plans),
// but the reconciliation decision reads the document again inside it.
func (s *Storage) ApplyEvent(ctx context.Context, ev quotagate.SubscriptionEvent) (*quotagate.ReconcileOutcome, error) {
	located, err := s.GetRecordByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}
	userID := located.UserID

	var outcome quotagate.ReconcileOutcome
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.doc(userID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return quotagate.ErrCustomerNotFound
			}
			return err
		}

		rec, err := recordFromDoc(userID, snap.Data())
		if err != nil {
			return err
		}

		outcome = quotagate.Reconcile(rec, ev, time.Now().UTC())
		if !outcome.Updated {
			return nil
		}
		return tx.Set(s.doc(userID), docFromRecord(outcome.Record))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply event: %w", err)
	}
	return &outcome, nil
}

// docFromRecord maps a record to its Firestore document fields.
func docFromRecord(rec *quotagate.UserQuotaRecord) map[string]interface{} {
	doc := map[string]interface{}{
		"request_count":          rec.RequestCount,
		"is_premium":             rec.IsPremium,
		"subscription_status":    rec.SubscriptionStatus,
		"subscription_id":        rec.SubscriptionID,
		"stripe_customer_id":     rec.StripeCustomerID,
		"last_webhook_timestamp": rec.LastWebhookTimestamp,
		"created_at":             rec.CreatedAt,
		"updated_at":             rec.UpdatedAt,
	}
	if rec.SubscriptionEndDate != nil {
		doc["subscription_end_date"] = *rec.SubscriptionEndDate
	} else {
		doc["subscription_end_date"] = nil
	}
	return doc
}

// recordFromDoc rebuilds a record from Firestore document data.
func recordFromDoc(userID string, data map[string]interface{}) (*quotagate.UserQuotaRecord, error) {
	rec := &quotagate.UserQuotaRecord{
		UserID:             userID,
		RequestCount:       getInt(data, "request_count"),
		IsPremium:          getBool(data, "is_premium"),
		SubscriptionStatus: getString(data, "subscription_status"),
		SubscriptionID:     getString(data, "subscription_id"),
		StripeCustomerID:   getString(data, "stripe_customer_id"),
	}
	if rec.SubscriptionStatus == "" {
		rec.SubscriptionStatus = quotagate.StatusNone
	}

	if t, ok := getTime(data, "subscription_end_date"); ok {
		rec.SubscriptionEndDate = &t
	}
	if t, ok := getTime(data, "last_webhook_timestamp"); ok {
		rec.LastWebhookTimestamp = t
	}
	if t, ok := getTime(data, "created_at"); ok {
		rec.CreatedAt = t
	}
	if t, ok := getTime(data, "updated_at"); ok {
		rec.UpdatedAt = t
	}

	return rec, nil
}

func getString(data map[string]interface{}, key string) string {
	v, _ := data[key].(string)
	return v
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) (time.Time, bool) {
	v, ok := data[key].(time.Time)
	if !ok {
		return time.Time{}, false
	}
	return v.UTC(), true
}
