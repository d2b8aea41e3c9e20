package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyFor_Deterministic(t *testing.T) {
	a := KeyFor("evt_123", "payment.captured")
	b := KeyFor("evt_123", "payment.captured")
	if a != b {
		t.Fatalf("expected identical keys, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestKeyFor_DistinguishesTypeAndID(t *testing.T) {
	base := KeyFor("evt_123", "payment.captured")
	if KeyFor("evt_124", "payment.captured") == base {
		t.Error("different event IDs must produce different keys")
	}
	if KeyFor("evt_123", "payment.failed") == base {
		t.Error("different event types must produce different keys")
	}
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{
		Key:            KeyFor("evt_1", "payment.captured"),
		OutcomeSummary: "escrow created",
		ProcessedAt:    time.Now(),
	}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.OutcomeSummary != "escrow created" {
		t.Errorf("unexpected outcome: %s", got.OutcomeSummary)
	}
}

func TestMemoryStore_DuplicateInsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{Key: "k1", ProcessedAt: time.Now()}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	if err := store.Insert(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
