// Package escrow owns the held-funds ledger for job payments.
//
// Flow:
//  1. Payment provider confirms capture → escrow created as held
//  2. Auto-release window passes undisputed → payout to the worker
//  3. Owner approves early → manual release
//  4. Either party disputes before the window closes → mediation
//  5. Mediation resolves → full release or full refund
//
// Every transition is a conditional single-row update guarded by the
// status and version read beforehand, so concurrent service instances
// (including redundant sweeper runs) apply each transition at most once.
package escrow

import (
	"errors"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

var (
	ErrNotFound           = errors.New("escrow not found")
	ErrConflict           = errors.New("escrow state changed, transition rejected")
	ErrUnauthorized       = errors.New("not authorized for this escrow operation")
	ErrValidation         = errors.New("invalid escrow parameters")
	ErrDuplicateReference = errors.New("payment reference already recorded")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Row exists, capture not yet confirmed
	StatusHeld      Status = "held"      // Funds captured, awaiting release or dispute
	StatusReleased  Status = "released"  // Payout sent to the worker
	StatusDisputed  Status = "disputed"  // Under mediation
	StatusRefunded  Status = "refunded"  // Funds returned to the job owner
	StatusCancelled Status = "cancelled" // Job cancelled before settlement
)

// Priority classifies a dispute for mediation SLA purposes.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ReleaseReason records what triggered a release or refund.
type ReleaseReason string

const (
	ReasonAuto      ReleaseReason = "auto"
	ReasonManual    ReleaseReason = "manual"
	ReasonMediation ReleaseReason = "mediation"
	ReasonCancelled ReleaseReason = "cancelled"
)

// Escrow is the single writable source of truth for one job payment.
type Escrow struct {
	ID                 string      `json:"id"`
	PaymentReferenceID string      `json:"paymentReferenceId"`
	JobID              string      `json:"jobId"`
	PayerID            string      `json:"payerId"`
	PayeeID            string      `json:"payeeId"`
	Amount             money.Cents `json:"amountCents"`
	PlatformFee        money.Cents `json:"platformFeeCents"`
	PayeePayout        money.Cents `json:"payeePayoutCents"`
	PayeeTier          Tier        `json:"payeeTier"`
	Status             Status      `json:"status"`
	AutoReleaseAt      time.Time   `json:"autoReleaseAt"`
	DisputeReason      string      `json:"disputeReason,omitempty"`
	DisputePriority    Priority    `json:"disputePriority,omitempty"`
	DisputeEvidence    []string    `json:"disputeEvidence,omitempty"`
	SLADeadline        *time.Time  `json:"slaDeadline,omitempty"`
	EscalationLevel    int         `json:"escalationLevel"`
	Resolution         string      `json:"resolution,omitempty"`
	ResolvedAt         *time.Time  `json:"resolvedAt,omitempty"`
	Version            int64       `json:"version"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// legalEdges enumerates the only permitted state-machine transitions.
// Anything not listed here is a Conflict.
var legalEdges = map[Status][]Status{
	StatusPending:  {StatusHeld, StatusCancelled},
	StatusHeld:     {StatusReleased, StatusDisputed, StatusRefunded, StatusCancelled},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from→to is a legal state-machine edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
