// Package postgres provides a PostgreSQL implementation of the
// quotagate.Store interface. Conditional increments and event reconciliation
// run inside SQL transactions with SELECT FOR UPDATE so concurrent requests
// and webhook deliveries for the same user serialize.
//
// Required schema:
//
//	CREATE TABLE user_quotas (
//	    user_id                TEXT PRIMARY KEY,
//	    request_count          BIGINT NOT NULL DEFAULT 0,
//	    is_premium             BOOLEAN NOT NULL DEFAULT FALSE,
//	    subscription_status    TEXT NOT NULL DEFAULT 'none',
//	    subscription_id        TEXT NOT NULL DEFAULT '',
//	    subscription_end_date  TIMESTAMPTZ,
//	    stripe_customer_id     TEXT NOT NULL DEFAULT '',
//	    last_webhook_timestamp TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
//	    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE UNIQUE INDEX user_quotas_customer_idx
//	    ON user_quotas (stripe_customer_id) WHERE stripe_customer_id <> '';
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

const recordColumns = `user_id, request_count, is_premium, subscription_status,
	subscription_id, subscription_end_date, stripe_customer_id,
	last_webhook_timestamp, created_at, updated_at`

// Storage implements quotagate.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureRecord implements quotagate.Store.
func (s *Storage) EnsureRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_quotas (user_id) VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure quota record: %w", err)
	}

	return s.GetRecord(ctx, userID)
}

// GetRecord implements quotagate.Store.
func (s *Storage) GetRecord(ctx context.Context, userID string) (*quotagate.UserQuotaRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM user_quotas WHERE user_id = $1`,
		userID)

	rec, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return nil, quotagate.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}
	return rec, nil
}

// GetRecordByCustomerID implements quotagate.Store.
func (s *Storage) GetRecordByCustomerID(ctx context.Context, customerID string) (*quotagate.UserQuotaRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM user_quotas WHERE stripe_customer_id = $1`,
		customerID)

	rec, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return nil, quotagate.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record by customer: %w", err)
	}
	return rec, nil
}

// ConsumeRequest implements quotagate.Store. The increment is conditional on
// the row's state as seen under FOR UPDATE, so two concurrent calls at
// limit-1 cannot both pass.
func (s *Storage) ConsumeRequest(ctx context.Context, userID string, limit int) (*quotagate.UserQuotaRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure row exists (creates if missing, does nothing if present)
	_, err = tx.Exec(ctx,
		`INSERT INTO user_quotas (user_id) VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure quota record: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM user_quotas WHERE user_id = $1 FOR UPDATE`,
		userID)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record for update: %w", err)
	}

	if rec.IsPremium {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return rec, nil
	}

	if rec.RequestCount >= limit {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return rec, quotagate.ErrQuotaExceeded
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE user_quotas SET request_count = request_count + 1, updated_at = $2
			WHERE user_id = $1`,
		userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to increment request count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	rec.RequestCount++
	rec.UpdatedAt = now
	return rec, nil
}

// SetCustomerID implements quotagate.Store. The conditional update only
// succeeds when the customer id is unset or already the same value.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_quotas (user_id, stripe_customer_id) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				updated_at = NOW()
			WHERE user_quotas.stripe_customer_id = ''
				OR user_quotas.stripe_customer_id = EXCLUDED.stripe_customer_id`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return quotagate.ErrCustomerConflict
	}
	return nil
}

// ApplyEvent implements quotagate.Store. The reconciliation decision
// (quotagate.Reconcile) is evaluated against the row as seen under
// FOR UPDATE, so concurrent deliveries for the same customer serialize.
func (s *Storage) ApplyEvent(ctx context.Context, ev quotagate.SubscriptionEvent) (*quotagate.ReconcileOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM user_quotas WHERE stripe_customer_id = $1 FOR UPDATE`,
		ev.CustomerID)
	rec, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return nil, quotagate.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record for update: %w", err)
	}

	outcome := quotagate.Reconcile(rec, ev, time.Now().UTC())
	if !outcome.Updated {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &outcome, nil
	}

	updated := outcome.Record
	_, err = tx.Exec(ctx,
		`UPDATE user_quotas SET
			is_premium = $2,
			subscription_status = $3,
			subscription_id = $4,
			subscription_end_date = $5,
			last_webhook_timestamp = $6,
			updated_at = $7
		WHERE user_id = $1`,
		updated.UserID, updated.IsPremium, updated.SubscriptionStatus,
		updated.SubscriptionID, updated.SubscriptionEndDate,
		updated.LastWebhookTimestamp, updated.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to apply event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &outcome, nil
}

// scanRecord scans a user_quotas row in recordColumns order.
func scanRecord(row pgx.Row) (*quotagate.UserQuotaRecord, error) {
	var rec quotagate.UserQuotaRecord
	err := row.Scan(
		&rec.UserID,
		&rec.RequestCount,
		&rec.IsPremium,
		&rec.SubscriptionStatus,
		&rec.SubscriptionID,
		&rec.SubscriptionEndDate,
		&rec.StripeCustomerID,
		&rec.LastWebhookTimestamp,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
