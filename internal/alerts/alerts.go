// Package alerts tracks conditions that need an operator: mediation SLA
// breaches and transfers that exhausted their delivery attempts.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idgen"
)

var ErrNotFound = errors.New("alert not found")

// Alert kinds raised by the background loops.
const (
	KindSLABreach       = "sla_breach"
	KindOutboxExhausted = "outbox_exhausted"
)

// Alert is one operator-facing incident.
type Alert struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	EscrowID       string     `json:"escrowId,omitempty"`
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Store persists alerts.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, unacknowledgedOnly bool, limit int) ([]*Alert, error)
	Update(ctx context.Context, a *Alert) error
}

// Service raises and resolves alerts. Its Raise method is the AlertSink
// the sweeper and dispatcher hold.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an alert service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Raise records a new alert.
func (s *Service) Raise(ctx context.Context, kind, escrowID, message string) error {
	a := &Alert{
		ID:        idgen.WithPrefix("alr_"),
		Kind:      kind,
		EscrowID:  escrowID,
		Message:   message,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, a); err != nil {
		return err
	}
	s.logger.Warn("operator alert raised", "alert_id", a.ID, "kind", kind, "escrow_id", escrowID)
	return nil
}

// List returns alerts, optionally only unacknowledged ones.
func (s *Service) List(ctx context.Context, unacknowledgedOnly bool, limit int) ([]*Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, unacknowledgedOnly, limit)
}

// Acknowledge marks an alert as handled. Re-acknowledging is a silent
// success.
func (s *Service) Acknowledge(ctx context.Context, id string) (*Alert, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Acknowledged {
		return a, nil
	}

	now := s.now()
	a.Acknowledged = true
	a.AcknowledgedAt = &now
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// MemoryStore is an in-memory alert store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
	order  []string
}

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	m.order = append(m.order, a.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, unacknowledgedOnly bool, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Alert
	// Newest first.
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		a := m.alerts[m.order[i]]
		if unacknowledgedOnly && a.Acknowledged {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
