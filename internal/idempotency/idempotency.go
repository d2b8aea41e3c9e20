// Package idempotency provides durable at-most-once processing records.
//
// Every retry-prone mutating operation derives a deterministic key, checks
// for an existing record before applying its effect, and writes the record
// in the same transaction as the effect. Records are never updated after
// creation.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("idempotency record not found")
	ErrDuplicate = errors.New("idempotency key already recorded")
)

// Record marks an operation as processed. OutcomeSummary is a short
// human-readable note ("escrow esc_... created"), not structured state.
type Record struct {
	Key            string    `json:"key"`
	OutcomeSummary string    `json:"outcomeSummary,omitempty"`
	ProcessedAt    time.Time `json:"processedAt"`
}

// KeyFor derives the idempotency key for an external event.
func KeyFor(eventID, eventType string) string {
	sum := sha256.Sum256([]byte(eventID + ":" + eventType))
	return hex.EncodeToString(sum[:])
}

// Store persists idempotency records.
type Store interface {
	// Insert writes a new record. Returns ErrDuplicate if the key exists.
	Insert(ctx context.Context, rec *Record) error
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
}

// MemoryStore is an in-memory record store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Key]; ok {
		return ErrDuplicate
	}
	cp := *rec
	m.records[rec.Key] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
