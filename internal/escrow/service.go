package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/idgen"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/metrics"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/traces"
)

// TransferEnqueuer accepts payout/refund work for the external payment
// gateway. Entries are keyed by escrow ID + action so redundant enqueues
// collapse to one transfer.
type TransferEnqueuer interface {
	EnqueuePayout(ctx context.Context, escrowID, payeeID string, amount money.Cents) error
	EnqueueRefund(ctx context.Context, escrowID, payerID string, amount money.Cents) error
}

// EventSink receives escrow state-change notifications. Implementations
// must not block; delivery is best-effort.
type EventSink interface {
	EscrowEvent(ctx context.Context, eventType string, e *Escrow)
}

// CreateParams are the inputs for creating an escrow from a confirmed
// payment capture.
type CreateParams struct {
	PaymentReferenceID string
	JobID              string
	PayerID            string
	PayeeID            string
	Amount             money.Cents
	PayeeTier          Tier
}

// DisputeParams are the inputs for filing a dispute.
type DisputeParams struct {
	InitiatorID  string
	Reason       string
	EvidenceRefs []string
}

// Outcome is a mediation decision on a disputed escrow.
type Outcome string

const (
	OutcomeFavorPayee Outcome = "favor_payee" // full release
	OutcomeFavorPayer Outcome = "favor_payer" // full refund
)

// Service implements the escrow state machine.
type Service struct {
	store     Store
	transfers TransferEnqueuer
	events    EventSink
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, transfers TransferEnqueuer, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		transfers: transfers,
		logger:    logger,
		now:       time.Now,
	}
}

// WithEventSink adds a state-change event sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithClock overrides the service clock. Used by tests to control
// auto-release and SLA deadlines.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateFromPayment creates a held escrow for a confirmed payment capture.
//
// Idempotent on the payment reference: if an escrow already exists for it,
// the existing row is returned unchanged and created is false. When rec is
// non-nil the idempotency record commits in the same transaction as the
// insert.
func (s *Service) CreateFromPayment(ctx context.Context, p CreateParams, rec *idempotency.Record) (e *Escrow, created bool, err error) {
	return s.create(ctx, p, rec, StatusHeld)
}

// CreateFromAuthorization creates a pending escrow for an authorized but
// not yet captured payment. The later capture event moves it to held.
func (s *Service) CreateFromAuthorization(ctx context.Context, p CreateParams, rec *idempotency.Record) (e *Escrow, created bool, err error) {
	return s.create(ctx, p, rec, StatusPending)
}

func (s *Service) create(ctx context.Context, p CreateParams, rec *idempotency.Record, status Status) (e *Escrow, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		attribute.String("payment_reference", p.PaymentReferenceID))
	defer span.End()

	if p.PaymentReferenceID == "" || p.JobID == "" || p.PayerID == "" || p.PayeeID == "" {
		return nil, false, fmt.Errorf("%w: missing identifiers", ErrValidation)
	}
	if p.PayerID == p.PayeeID {
		return nil, false, fmt.Errorf("%w: payer and payee cannot be the same party", ErrValidation)
	}
	if !p.Amount.Valid() {
		return nil, false, fmt.Errorf("%w: amount out of range", ErrValidation)
	}
	tier := p.PayeeTier
	if !tier.Valid() {
		tier = TierStandard
	}

	if existing, err := s.store.GetByPaymentReference(ctx, p.PaymentReferenceID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	fee, payout := FeeRate(tier).Split(p.Amount)
	now := s.now()
	e = &Escrow{
		ID:                 idgen.WithPrefix("esc_"),
		PaymentReferenceID: p.PaymentReferenceID,
		JobID:              p.JobID,
		PayerID:            p.PayerID,
		PayeeID:            p.PayeeID,
		Amount:             p.Amount,
		PlatformFee:        fee,
		PayeePayout:        payout,
		PayeeTier:          tier,
		Status:             status,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if status == StatusHeld {
		e.AutoReleaseAt = now.Add(ReleaseWindow(tier))
	}

	if rec != nil {
		err = s.store.CreateWithRecord(ctx, e, rec)
	} else {
		err = s.store.Create(ctx, e)
	}
	if errors.Is(err, ErrDuplicateReference) {
		// Lost a create race on the unique reference; the winner's row is
		// the answer.
		existing, getErr := s.store.GetByPaymentReference(ctx, p.PaymentReferenceID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	reason := "payment_confirmed"
	event := "escrow.held"
	if status == StatusPending {
		reason = "payment_authorized"
		event = "escrow.pending"
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(status), reason).Inc()
	s.emit(ctx, event, e)
	return e, true, nil
}

// Hold confirms capture for a pending escrow, starting the auto-release
// clock. Holding an already-held escrow is a silent success.
func (s *Service) Hold(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold", attribute.String("escrow_id", id))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusHeld {
		return e, nil
	}
	if e.Status != StatusPending {
		metrics.EscrowConflictsTotal.WithLabelValues("hold").Inc()
		return nil, fmt.Errorf("%w: escrow is %s, only pending escrows can move to held", ErrConflict, e.Status)
	}

	prevVersion := e.Version
	now := s.now()
	e.Status = StatusHeld
	e.AutoReleaseAt = now.Add(ReleaseWindow(e.PayeeTier))
	e.UpdatedAt = now
	e.Version = prevVersion + 1

	if err := s.store.UpdateIf(ctx, e, StatusPending, prevVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.EscrowConflictsTotal.WithLabelValues("hold").Inc()
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld), "payment_confirmed").Inc()
	s.emit(ctx, "escrow.held", e)
	return e, nil
}

// Release sends the payout to the worker. Legal from held, or from
// disputed when the release is a mediation outcome. A release of an
// already-released escrow is a silent success so retries are safe.
func (s *Service) Release(ctx context.Context, id string, reason ReleaseReason) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", attribute.String("escrow_id", id))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusReleased {
		return e, nil
	}
	if err := s.checkEdge(e, StatusReleased, "release"); err != nil {
		return nil, err
	}
	if e.Status == StatusDisputed && reason != ReasonMediation {
		metrics.EscrowConflictsTotal.WithLabelValues("release").Inc()
		return nil, fmt.Errorf("%w: disputed escrow requires mediation", ErrConflict)
	}

	prevVersion := e.Version
	prevStatus := e.Status
	now := s.now()
	e.Status = StatusReleased
	e.Resolution = resolutionFor(StatusReleased, reason)
	e.ResolvedAt = &now
	e.UpdatedAt = now
	e.Version = prevVersion + 1

	if err := s.store.UpdateIf(ctx, e, prevStatus, prevVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.EscrowConflictsTotal.WithLabelValues("release").Inc()
		}
		return nil, err
	}

	if err := s.transfers.EnqueuePayout(ctx, e.ID, e.PayeeID, e.PayeePayout); err != nil {
		// The transition committed; the transfer must not be lost. The
		// enqueue is idempotent on escrowID+action, so log loudly and let
		// the operator (or a retried release call) re-enqueue.
		s.logger.Error("payout enqueue failed after release committed",
			"escrow_id", e.ID, "error", err)
	}

	s.recordResolution(e, reason)
	s.emit(ctx, "escrow.released", e)
	return e, nil
}

// Refund returns the funds to the job owner. Legal from held (manual
// refund, cancelled job) or disputed (mediation outcome). A refund of an
// already-refunded escrow is a silent success.
func (s *Service) Refund(ctx context.Context, id string, reason ReleaseReason) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", attribute.String("escrow_id", id))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusRefunded {
		return e, nil
	}
	if err := s.checkEdge(e, StatusRefunded, "refund"); err != nil {
		return nil, err
	}

	prevVersion := e.Version
	prevStatus := e.Status
	now := s.now()
	e.Status = StatusRefunded
	e.Resolution = resolutionFor(StatusRefunded, reason)
	e.ResolvedAt = &now
	e.UpdatedAt = now
	e.Version = prevVersion + 1

	if err := s.store.UpdateIf(ctx, e, prevStatus, prevVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.EscrowConflictsTotal.WithLabelValues("refund").Inc()
		}
		return nil, err
	}

	if err := s.transfers.EnqueueRefund(ctx, e.ID, e.PayerID, e.Amount); err != nil {
		s.logger.Error("refund enqueue failed after refund committed",
			"escrow_id", e.ID, "error", err)
	}

	s.recordResolution(e, reason)
	s.emit(ctx, "escrow.refunded", e)
	return e, nil
}

// Dispute moves a held escrow into mediation. Legal only strictly before
// the auto-release deadline, and only for the two parties to the payment.
func (s *Service) Dispute(ctx context.Context, id string, p DisputeParams) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", attribute.String("escrow_id", id))
	defer span.End()

	if p.Reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrValidation)
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.InitiatorID != e.PayerID && p.InitiatorID != e.PayeeID {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusHeld {
		metrics.EscrowConflictsTotal.WithLabelValues("dispute").Inc()
		return nil, fmt.Errorf("%w: escrow is %s, only held escrows can be disputed", ErrConflict, e.Status)
	}
	now := s.now()
	if !now.Before(e.AutoReleaseAt) {
		metrics.EscrowConflictsTotal.WithLabelValues("dispute").Inc()
		return nil, fmt.Errorf("%w: auto-release window has closed", ErrConflict)
	}

	prevVersion := e.Version
	priority := PriorityFor(e.Amount)
	deadline := now.Add(SLAWindow(priority))
	e.Status = StatusDisputed
	e.DisputeReason = p.Reason
	e.DisputePriority = priority
	e.DisputeEvidence = append([]string(nil), p.EvidenceRefs...)
	e.SLADeadline = &deadline
	e.EscalationLevel = 0
	e.UpdatedAt = now
	e.Version = prevVersion + 1

	if err := s.store.UpdateIf(ctx, e, StatusHeld, prevVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.EscrowConflictsTotal.WithLabelValues("dispute").Inc()
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed), "dispute_filed").Inc()
	s.emit(ctx, "escrow.disputed", e)
	return e, nil
}

// Escalate bumps an overdue dispute. Legal only from disputed with the SLA
// deadline passed; the conditional update means concurrent sweeper
// instances escalate at most once per breach.
func (s *Service) Escalate(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if e.Status != StatusDisputed || e.SLADeadline == nil || !now.After(*e.SLADeadline) {
		metrics.EscrowConflictsTotal.WithLabelValues("escalate").Inc()
		return nil, fmt.Errorf("%w: dispute is not overdue", ErrConflict)
	}

	prevVersion := e.Version
	e.EscalationLevel++
	if e.EscalationLevel >= escalationRaiseThreshold {
		e.DisputePriority = RaisePriority(e.DisputePriority)
	}
	deadline := now.Add(SLAWindow(e.DisputePriority))
	e.SLADeadline = &deadline
	e.UpdatedAt = now
	e.Version = prevVersion + 1

	if err := s.store.UpdateIf(ctx, e, StatusDisputed, prevVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.EscrowConflictsTotal.WithLabelValues("escalate").Inc()
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed), "escalated").Inc()
	s.emit(ctx, "escrow.escalated", e)
	return e, nil
}

// Resolve applies a mediation decision to a disputed escrow: full release
// or full refund. Retrying a decision that already took effect is a silent
// success.
func (s *Service) Resolve(ctx context.Context, id string, outcome Outcome) (*Escrow, error) {
	switch outcome {
	case OutcomeFavorPayee:
		return s.Release(ctx, id, ReasonMediation)
	case OutcomeFavorPayer:
		return s.Refund(ctx, id, ReasonMediation)
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrValidation, outcome)
	}
}

// Cancel voids an escrow for a cancelled job. Legal from pending (nothing
// captured) or held; a held cancel also queues the refund of the captured
// funds.
func (s *Service) Cancel(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", attribute.String("escrow_id", id))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if e.Status == StatusCancelled {
		return e, nil
	}
	if e.Status != StatusPending && e.Status != StatusHeld {
		metrics.EscrowConflictsTotal.WithLabelValues("cancel").Inc()
		return nil, fmt.Errorf("%w: escrow is %s, only pending or held escrows can be cancelled", ErrConflict, e.Status)
	}

	prevVersion := e.Version
	prevStatus := e.Status
	now := s.now()
	e.Status = StatusCancelled
	e.Resolution = "job_cancelled"
	e.ResolvedAt = &now
	e.UpdatedAt = now
	e.Version = prevVersion + 1

	if err := s.store.UpdateIf(ctx, e, prevStatus, prevVersion); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.EscrowConflictsTotal.WithLabelValues("cancel").Inc()
		}
		return nil, err
	}

	if prevStatus == StatusHeld {
		if err := s.transfers.EnqueueRefund(ctx, e.ID, e.PayerID, e.Amount); err != nil {
			s.logger.Error("refund enqueue failed after cancel committed",
				"escrow_id", e.ID, "error", err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCancelled), "job_cancelled").Inc()
	s.emit(ctx, "escrow.cancelled", e)
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByPaymentReference returns the escrow for a payment reference.
func (s *Service) GetByPaymentReference(ctx context.Context, ref string) (*Escrow, error) {
	return s.store.GetByPaymentReference(ctx, ref)
}

// ListByJob returns the escrows for a job.
func (s *Service) ListByJob(ctx context.Context, jobID string) ([]*Escrow, error) {
	return s.store.ListByJob(ctx, jobID)
}

func (s *Service) checkEdge(e *Escrow, to Status, op string) error {
	if !CanTransition(e.Status, to) {
		metrics.EscrowConflictsTotal.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s → %s is not a legal transition", ErrConflict, e.Status, to)
	}
	return nil
}

func (s *Service) recordResolution(e *Escrow, reason ReleaseReason) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Status), string(reason)).Inc()
	metrics.EscrowHoldDuration.Observe(s.now().Sub(e.CreatedAt).Seconds())
}

func (s *Service) emit(ctx context.Context, eventType string, e *Escrow) {
	if s.events != nil {
		s.events.EscrowEvent(ctx, eventType, e)
	}
}

func resolutionFor(to Status, reason ReleaseReason) string {
	switch {
	case to == StatusReleased && reason == ReasonAuto:
		return "auto_released"
	case to == StatusReleased && reason == ReasonMediation:
		return "mediation_release"
	case to == StatusReleased:
		return "manual_release"
	case to == StatusRefunded && reason == ReasonMediation:
		return "mediation_refund"
	default:
		return "manual_refund"
	}
}
