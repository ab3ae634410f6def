//go:build integration
// +build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// setupTestStorage creates a test storage instance
// Uses REDIS_TEST_ADDR environment variable or defaults to localhost
func setupTestStorage(t *testing.T) *Storage {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping test: failed to connect to Redis: %v", err)
	}

	// Isolated prefix per run, wiped up front
	config := DefaultConfig()
	config.KeyPrefix = "quotagate_test:"
	_ = client.FlushDB(ctx).Err()

	storage, err := New(client, config)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return storage
}

func TestStorage_ConsumeRequest(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := storage.ConsumeRequest(ctx, "user1", 3)
		if err != nil {
			t.Fatalf("ConsumeRequest failed: %v", err)
		}
		if rec.RequestCount != i {
			t.Errorf("Expected count %d, got %d", i, rec.RequestCount)
		}
	}

	rec, err := storage.ConsumeRequest(ctx, "user1", 3)
	if err != quotagate.ErrQuotaExceeded {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
	if rec.RequestCount != 3 {
		t.Errorf("Denial mutated the count: %d", rec.RequestCount)
	}
}

func TestStorage_EnsureRecord(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	rec, err := storage.EnsureRecord(ctx, "user1")
	if err != nil {
		t.Fatalf("EnsureRecord failed: %v", err)
	}
	if rec.RequestCount != 0 || rec.IsPremium {
		t.Errorf("Unexpected defaults: %+v", rec)
	}
	if rec.SubscriptionStatus != quotagate.StatusNone {
		t.Errorf("Expected status none, got %s", rec.SubscriptionStatus)
	}

	if _, err := storage.GetRecord(ctx, "missing"); err != quotagate.ErrRecordNotFound {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestStorage_CustomerLinkAndApplyEvent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.SetCustomerID(ctx, "user1", "cus_1"); err != nil {
		t.Fatalf("SetCustomerID failed: %v", err)
	}
	if err := storage.SetCustomerID(ctx, "user1", "cus_1"); err != nil {
		t.Fatalf("Re-affirming the same customer failed: %v", err)
	}
	if err := storage.SetCustomerID(ctx, "user1", "cus_2"); err != quotagate.ErrCustomerConflict {
		t.Fatalf("Expected ErrCustomerConflict, got %v", err)
	}

	if _, err := storage.ApplyEvent(ctx, quotagate.SubscriptionEvent{CustomerID: "cus_missing"}); err != quotagate.ErrCustomerNotFound {
		t.Fatalf("Expected ErrCustomerNotFound, got %v", err)
	}

	ts := time.Now().UTC()
	outcome, err := storage.ApplyEvent(ctx, quotagate.SubscriptionEvent{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         quotagate.StatusActive,
		PeriodEnd:      ts.Add(30 * 24 * time.Hour),
		Timestamp:      ts,
	})
	if err != nil {
		t.Fatalf("ApplyEvent failed: %v", err)
	}
	if !outcome.Updated {
		t.Fatalf("Expected event applied, got %+v", outcome)
	}

	rec, err := storage.GetRecordByCustomerID(ctx, "cus_1")
	if err != nil {
		t.Fatalf("GetRecordByCustomerID failed: %v", err)
	}
	if !rec.IsPremium || rec.SubscriptionStatus != quotagate.StatusActive {
		t.Errorf("Record not updated: %+v", rec)
	}
	if rec.SubscriptionEndDate == nil {
		t.Error("Expected period end persisted")
	}

	outcome, err = storage.ApplyEvent(ctx, quotagate.SubscriptionEvent{
		CustomerID: "cus_1",
		Status:     quotagate.StatusCanceled,
		Timestamp:  ts.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("ApplyEvent failed: %v", err)
	}
	if outcome.Updated || outcome.Reason != quotagate.SkipStaleEvent {
		t.Errorf("Expected stale rejection, got %+v", outcome)
	}
}
