// Package redis provides a Redis implementation of the quotagate.Store
// interface. Quota consumption and customer linking run as Lua scripts so the
// check-and-mutate step is atomic; event reconciliation uses an optimistic
// WATCH transaction so the decision logic stays in Go.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// Storage implements quotagate.Store using Redis.
//
// Each user's record lives in a hash at <prefix>user:<userID>; a string key
// at <prefix>customer:<customerID> indexes the owning user.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quotagate:")
	KeyPrefix string

	// MaxRetries is the maximum number of WATCH retry attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "quotagate:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "quotagate:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Create the record with free-tier defaults if absent
	s.scripts["ensure"] = redis.NewScript(`
		local userKey = KEYS[1]
		local now = ARGV[1]

		if redis.call('EXISTS', userKey) == 0 then
			redis.call('HSET', userKey,
				'request_count', 0,
				'is_premium', 0,
				'subscription_status', 'none',
				'created_at', now,
				'updated_at', now)
		end
		return 'ok'
	`)

	// Conditionally consume a request: premium passes untouched, free-tier
	// increments only below the limit
	s.scripts["consume"] = redis.NewScript(`
		local userKey = KEYS[1]
		local limit = tonumber(ARGV[1])
		local now = ARGV[2]

		if redis.call('EXISTS', userKey) == 0 then
			redis.call('HSET', userKey,
				'request_count', 0,
				'is_premium', 0,
				'subscription_status', 'none',
				'created_at', now,
				'updated_at', now)
		end

		local premium = redis.call('HGET', userKey, 'is_premium')
		if premium == '1' then
			return {tonumber(redis.call('HGET', userKey, 'request_count')), 'premium'}
		end

		local count = tonumber(redis.call('HGET', userKey, 'request_count')) or 0
		if count >= limit then
			return {count, 'quota_exceeded'}
		end

		local newCount = redis.call('HINCRBY', userKey, 'request_count', 1)
		redis.call('HSET', userKey, 'updated_at', now)
		return {newCount, 'ok'}
	`)

	// Link a customer id, failing if a different one is already set
	s.scripts["linkCustomer"] = redis.NewScript(`
		local userKey = KEYS[1]
		local customerKey = KEYS[2]
		local userID = ARGV[1]
		local customerID = ARGV[2]
		local now = ARGV[3]

		if redis.call('EXISTS', userKey) == 0 then
			redis.call('HSET', userKey,
				'request_count', 0,
				'is_premium', 0,
				'subscription_status', 'none',
				'created_at', now,
				'updated_at', now)
		end

		local existing = redis.call('HGET', userKey, 'stripe_customer_id')
		if existing and existing ~= '' then
			if existing == customerID then
				return 'ok'
			end
			return 'conflict'
		end

		redis.call('HSET', userKey, 'stripe_customer_id', customerID, 'updated_at', now)
		redis.call('SET', customerKey, userID)
		return 'ok'
	`)
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

// EnsureRecord implements quotagate.Store.
func (s *Storage) EnsureRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	_, err := s.scripts["ensure"].Run(ctx, s.client,
		[]string{s.userKey(userID)},
		formatTime(time.Now().UTC())).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure quota record: %w", err)
	}

	return s.GetRecord(ctx, userID)
}

// GetRecord implements quotagate.Store.
func (s *Storage) GetRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}
	if len(fields) == 0 || fields["updated_at"] == "" {
		return nil, quotagate.ErrRecordNotFound
	}
	return parseRecord(userID, fields)
}

// GetRecordByCustomerID implements quotagate.Store.
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*quotagate.UserQuotaRecord, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if err == redis.Nil {
		return nil, quotagate.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}

	rec, err := s.GetRecord(ctx, userID)
	if errors.Is(err, quotagate.ErrRecordNotFound) {
		return nil, quotagate.ErrCustomerNotFound
	}
	return rec, err
}

// ConsumeRequest implements quotagate.Store via the consume Lua script.
func (s *Storage) ConsumeRequest(ctx context.Context, userID string, limit int) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := time.Now().UTC()
	result, err := s.scripts["consume"].Run(ctx, s.client,
		[]string{s.userKey(userID)},
		limit, formatTime(now)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to consume request: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return nil, fmt.Errorf("unexpected script result: %v", result)
	}
	status, _ := resultSlice[1].(string)

	rec, err := s.GetRecord(ctx, userID)
	if err != nil {
		return nil, err
	}

	if status == "quota_exceeded" {
		return rec, quotagate.ErrQuotaExceeded
	}
	return rec, nil
}

// SetCustomerID implements quotagate.Store via the linkCustomer Lua script.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	result, err := s.scripts["linkCustomer"].Run(ctx, s.client,
		[]string{s.userKey(userID), s.customerKey(customerID)},
		userID, customerID, formatTime(time.Now().UTC())).Result()
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}

	if result == "conflict" {
		return quotagate.ErrCustomerConflict
	}
	return nil
}

// ApplyEvent implements quotagate.Store. The record is read and reconciled
// under WATCH so a concurrent delivery for the same customer forces a retry
// against fresh state.
func (s *Storage) ApplyEvent(ctx context.Context, ev quotagate.SubscriptionEvent) (*quotagate.ReconcileOutcome, error) {
	// Resolve the owning user first so the WATCH can cover both keys
	userID, err := s.client.Get(ctx, s.customerKey(ev.CustomerID)).Result()
	if err == redis.Nil {
		return nil, quotagate.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}

	var outcome *quotagate.ReconcileOutcome

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, s.userKey(userID)).Result()
		if err != nil {
			return fmt.Errorf("failed to get quota record: %w", err)
		}
		if len(fields) == 0 {
			return quotagate.ErrCustomerNotFound
		}

		rec, err := parseRecord(userID, fields)
		if err != nil {
			return err
		}

		result := quotagate.Reconcile(rec, ev, time.Now().UTC())
		outcome = &result
		if !result.Updated {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeRecord(ctx, pipe, result.Record)
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txn,
			s.customerKey(ev.CustomerID), s.userKey(userID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return outcome, nil
	}
	return nil, fmt.Errorf("failed to apply event after %d retries: %w",
		s.config.MaxRetries, quotagate.ErrStorageUnavailable)
}

// writeRecord writes every record field to the user hash.
func (s *Storage) writeRecord(ctx context.Context, c redis.Cmdable, rec *quotagate.UserQuotaRecord) error {
	endDate := ""
	if rec.SubscriptionEndDate != nil {
		endDate = formatTime(*rec.SubscriptionEndDate)
	}

	err := c.HSet(ctx, s.userKey(rec.UserID),
		"request_count", rec.RequestCount,
		"is_premium", boolField(rec.IsPremium),
		"subscription_status", rec.SubscriptionStatus,
		"subscription_id", rec.SubscriptionID,
		"subscription_end_date", endDate,
		"stripe_customer_id", rec.StripeCustomerID,
		"last_webhook_timestamp", formatTime(rec.LastWebhookTimestamp),
		"created_at", formatTime(rec.CreatedAt),
		"updated_at", formatTime(rec.UpdatedAt),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to write quota record: %w", err)
	}
	return nil
}

// parseRecord rebuilds a record from its hash fields. Absent fields take
// zero values so records written by the consume script parse cleanly.
func parseRecord(userID string, fields map[string]string) (*quotagate.UserQuotaRecord, error) {
	rec := &quotagate.UserQuotaRecord{
		UserID:             userID,
		SubscriptionStatus: quotagate.StatusNone,
	}

	if v := fields["request_count"]; v != "" {
		count, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid request_count %q: %w", v, err)
		}
		rec.RequestCount = count
	}
	rec.IsPremium = fields["is_premium"] == "1"
	if v := fields["subscription_status"]; v != "" {
		rec.SubscriptionStatus = v
	}
	rec.SubscriptionID = fields["subscription_id"]
	rec.StripeCustomerID = fields["stripe_customer_id"]

	if v := fields["subscription_end_date"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription_end_date %q: %w", v, err)
		}
		rec.SubscriptionEndDate = &t
	}
	if v := fields["last_webhook_timestamp"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid last_webhook_timestamp %q: %w", v, err)
		}
		rec.LastWebhookTimestamp = t
	}
	if v := fields["created_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", v, err)
		}
		rec.CreatedAt = t
	}
	if v := fields["updated_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("invalid updated_at %q: %w", v, err)
		}
		rec.UpdatedAt = t
	}

	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
