package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
)

// MemoryStore is an in-memory escrow store for demo/development mode. It
// emulates the conditional-update semantics of the Postgres store under a
// single mutex, so the service's optimistic-concurrency discipline is
// exercised identically in both modes.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	byRef   map[string]string // paymentReferenceID -> escrow ID
	records *idempotency.MemoryStore
}

// NewMemoryStore creates a new in-memory escrow store. The idempotency
// store may be nil if CreateWithRecord is never used.
func NewMemoryStore(records *idempotency.MemoryStore) *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byRef:   make(map[string]string),
		records: records,
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(e)
}

func (m *MemoryStore) CreateWithRecord(ctx context.Context, e *Escrow, rec *idempotency.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.createLocked(e); err != nil {
		return err
	}
	if err := m.records.Insert(ctx, rec); err != nil {
		// Roll the insert back so the pair stays atomic.
		delete(m.escrows, e.ID)
		delete(m.byRef, e.PaymentReferenceID)
		return err
	}
	return nil
}

func (m *MemoryStore) createLocked(e *Escrow) error {
	if _, ok := m.byRef[e.PaymentReferenceID]; ok {
		return ErrDuplicateReference
	}
	cp := copyEscrow(e)
	m.escrows[e.ID] = cp
	m.byRef[e.PaymentReferenceID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) GetByPaymentReference(ctx context.Context, ref string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, e *Escrow, expectStatus Status, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expectStatus || current.Version != expectVersion {
		return ErrConflict
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) ListByJob(ctx context.Context, jobID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.JobID == jobID {
			result = append(result, copyEscrow(e))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusHeld && e.AutoReleaseAt.Before(before) {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListOverdueDisputes(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusDisputed && e.SLADeadline != nil && now.After(*e.SLADeadline) {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyEscrow deep-copies an escrow so callers never share slice backing
// arrays or deadline pointers with the stored row.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.DisputeEvidence != nil {
		cp.DisputeEvidence = make([]string, len(e.DisputeEvidence))
		copy(cp.DisputeEvidence, e.DisputeEvidence)
	}
	if e.SLADeadline != nil {
		t := *e.SLADeadline
		cp.SLADeadline = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
