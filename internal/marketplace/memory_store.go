package marketplace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory marketplace store for demo/development mode.
// A single mutex covers jobs and bids together, which is what makes
// AcceptBid atomic here.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	bids map[string]*Bid
}

// NewMemoryStore creates a new in-memory marketplace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		bids: make(map[string]*Bid),
	}
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateBid(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[b.JobID]; !ok {
		return ErrJobNotFound
	}
	cp := *b
	m.bids[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrBidNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBidsByJob(ctx context.Context, jobID string) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Bid
	for _, b := range m.bids {
		if b.JobID == jobID {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) AcceptBid(ctx context.Context, jobID, bidID string, now time.Time) (*Job, *Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil, ErrJobNotFound
	}
	b, ok := m.bids[bidID]
	if !ok || b.JobID != jobID {
		return nil, nil, ErrBidNotFound
	}
	if j.Status != JobOpen {
		return nil, nil, fmt.Errorf("%w: job is %s", ErrConflict, j.Status)
	}
	if b.Status != BidPending {
		return nil, nil, fmt.Errorf("%w: bid is %s", ErrConflict, b.Status)
	}

	b.Status = BidAccepted
	b.UpdatedAt = now
	for _, other := range m.bids {
		if other.JobID == jobID && other.ID != bidID && other.Status == BidPending {
			other.Status = BidRejected
			other.UpdatedAt = now
		}
	}
	j.Status = JobAssigned
	j.AwardedBidID = b.ID
	j.AwardedWorkerID = b.WorkerID
	j.UpdatedAt = now

	jc, bc := *j, *b
	return &jc, &bc, nil
}

var _ Store = (*MemoryStore)(nil)
