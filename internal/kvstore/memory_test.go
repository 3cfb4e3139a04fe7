package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newMemoryForTests(start time.Time) (*Memory, *time.Time) {
	store := NewMemory()
	now := start
	store.Now = func() time.Time { return now }
	return store, &now
}

func TestMemory_GetAfterTTLIsNotFound(t *testing.T) {
	store, now := newMemoryForTests(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := store.Put(ctx, "otp:a@b.com", []byte(`{"code":"482913"}`), 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	value, err := store.Get(ctx, "otp:a@b.com")
	if err != nil {
		t.Fatalf("get before expiry: %v", err)
	}
	if string(value) != `{"code":"482913"}` {
		t.Fatalf("unexpected value: %s", value)
	}

	*now = now.Add(5*time.Minute + time.Second)
	if _, err := store.Get(ctx, "otp:a@b.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemory_PutOverwritesAndResetsTTL(t *testing.T) {
	store, now := newMemoryForTests(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := store.Put(ctx, "k", []byte("first"), time.Minute); err != nil {
		t.Fatalf("put first: %v", err)
	}
	*now = now.Add(50 * time.Second)
	if err := store.Put(ctx, "k", []byte("second"), time.Minute); err != nil {
		t.Fatalf("put second: %v", err)
	}

	*now = now.Add(30 * time.Second)
	value, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "second" {
		t.Fatalf("expected overwrite, got %s", value)
	}
}

func TestMemory_IncrementKeepsWindowEndUntilExpiry(t *testing.T) {
	store, now := newMemoryForTests(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	count, windowEnd, err := store.Increment(ctx, "ratelimit:otp:a@b.com", time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected fresh counter to be 1, got %d", count)
	}

	*now = now.Add(30 * time.Minute)
	count, end2, err := store.Increment(ctx, "ratelimit:otp:a@b.com", time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}
	if !end2.Equal(windowEnd) {
		t.Fatalf("window end moved from %v to %v", windowEnd, end2)
	}

	*now = windowEnd.Add(time.Second)
	count, _, err = store.Increment(ctx, "ratelimit:otp:a@b.com", time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected counter reset after window, got %d", count)
	}
}

func TestMemory_DeleteExpiredSweepsOnlyStaleRecords(t *testing.T) {
	store, now := newMemoryForTests(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_ = store.Put(ctx, "stale", []byte("x"), time.Minute)
	_ = store.Put(ctx, "live", []byte("y"), time.Hour)

	*now = now.Add(2 * time.Minute)
	deleted, err := store.DeleteExpired(ctx, 10)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Fatalf("live record should survive sweep: %v", err)
	}
}
