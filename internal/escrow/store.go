package escrow

import (
	"context"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
)

// Store persists escrow data.
//
// UpdateIf is the optimistic-concurrency primitive: it writes the escrow
// only if the stored row still has the given status and version, and
// returns ErrConflict otherwise. Implementations must make the check and
// write atomic.
type Store interface {
	// Create inserts a new escrow. Returns ErrDuplicateReference if the
	// payment reference is already recorded.
	Create(ctx context.Context, e *Escrow) error

	// CreateWithRecord inserts the escrow and its idempotency record in a
	// single transaction, so a crash can never leave the effect applied
	// but unrecorded (or vice versa).
	CreateWithRecord(ctx context.Context, e *Escrow, rec *idempotency.Record) error

	Get(ctx context.Context, id string) (*Escrow, error)
	GetByPaymentReference(ctx context.Context, ref string) (*Escrow, error)

	// UpdateIf persists e conditioned on (expectStatus, expectVersion)
	// still holding. On success the stored version is e.Version.
	UpdateIf(ctx context.Context, e *Escrow, expectStatus Status, expectVersion int64) error

	ListByJob(ctx context.Context, jobID string) ([]*Escrow, error)

	// ListAutoReleasable returns held escrows whose auto-release time has
	// passed. Disputed escrows never appear here regardless of deadline.
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// ListOverdueDisputes returns disputed escrows whose SLA deadline has
	// passed.
	ListOverdueDisputes(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}
