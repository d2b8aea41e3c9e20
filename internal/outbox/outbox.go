// Package outbox queues payout and refund transfers for the payment
// gateway.
//
// Escrow transitions enqueue here instead of calling the gateway inline:
// the entry is keyed by escrow and action, so redundant enqueues collapse,
// and the dispatcher retries failed deliveries with backoff until they
// succeed or exhaust their attempts.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idgen"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

var (
	ErrNotFound = errors.New("outbox entry not found")
)

// Action is the kind of transfer an entry requests.
type Action string

const (
	ActionPayout Action = "payout"
	ActionRefund Action = "refund"
)

// Status represents the delivery state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed" // attempts exhausted, operator attention needed
)

// Entry is one queued transfer. Key is escrowID+action, which doubles as
// the gateway idempotency key: however many times the transfer is retried
// or re-enqueued, the gateway sees one logical operation.
type Entry struct {
	ID            string      `json:"id"`
	Key           string      `json:"key"`
	EscrowID      string      `json:"escrowId"`
	Action        Action      `json:"action"`
	PartyID       string      `json:"partyId"`
	Amount        money.Cents `json:"amountCents"`
	Status        Status      `json:"status"`
	Attempts      int         `json:"attempts"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	LastError     string      `json:"lastError,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// KeyFor derives the dedup/idempotency key for a transfer.
func KeyFor(escrowID string, action Action) string {
	return escrowID + ":" + string(action)
}

// Store persists outbox entries.
type Store interface {
	// Enqueue inserts the entry unless its key already exists; re-enqueues
	// of an existing key are silent no-ops.
	Enqueue(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// ListDue returns pending entries whose next attempt time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	Update(ctx context.Context, e *Entry) error
	// ListByStatus supports the admin view of stuck transfers.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error)
}

// Service queues transfers on behalf of the escrow state machine. It is
// the escrow package's TransferEnqueuer.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an outbox service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// EnqueuePayout queues the worker payout for a released escrow.
func (s *Service) EnqueuePayout(ctx context.Context, escrowID, payeeID string, amount money.Cents) error {
	return s.enqueue(ctx, escrowID, ActionPayout, payeeID, amount)
}

// EnqueueRefund queues the owner refund for a refunded or cancelled escrow.
func (s *Service) EnqueueRefund(ctx context.Context, escrowID, payerID string, amount money.Cents) error {
	return s.enqueue(ctx, escrowID, ActionRefund, payerID, amount)
}

func (s *Service) enqueue(ctx context.Context, escrowID string, action Action, partyID string, amount money.Cents) error {
	now := s.now()
	entry := &Entry{
		ID:            idgen.WithPrefix("obx_"),
		Key:           KeyFor(escrowID, action),
		EscrowID:      escrowID,
		Action:        action,
		PartyID:       partyID,
		Amount:        amount,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Enqueue(ctx, entry); err != nil {
		return err
	}
	s.logger.Info("transfer queued",
		"escrow_id", escrowID, "action", string(action), "amount_cents", int64(amount))
	return nil
}

// Get returns an entry by ID.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// ListFailed returns entries that exhausted their attempts.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]*Entry, error) {
	return s.store.ListByStatus(ctx, StatusFailed, limit)
}

// Retry puts a failed entry back in the queue with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, id string) (*Entry, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusDelivered {
		return e, nil
	}

	e.Status = StatusPending
	e.Attempts = 0
	e.LastError = ""
	e.NextAttemptAt = s.now()
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("failed transfer requeued", "entry_id", e.ID, "escrow_id", e.EscrowID)
	return e, nil
}
