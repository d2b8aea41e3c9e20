package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/escrow"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/metrics"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/traces"
)

// Result describes what a processed delivery did.
type Result struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
	EscrowID  string `json:"escrowId,omitempty"`
}

// Processor verifies and applies payment provider events.
type Processor struct {
	verifier Verifier
	escrows  *escrow.Service
	records  idempotency.Store
	logger   *slog.Logger
}

// NewProcessor creates a webhook processor.
func NewProcessor(verifier Verifier, escrows *escrow.Service, records idempotency.Store, logger *slog.Logger) *Processor {
	return &Processor{
		verifier: verifier,
		escrows:  escrows,
		records:  records,
		logger:   logger,
	}
}

// Process verifies, parses, deduplicates and applies one delivery.
//
// The effect and the idempotency record land together: escrow creation
// commits both in one transaction, and the other effects are themselves
// retry-safe, so a crash between effect and record only ever costs a
// harmless re-apply.
func (p *Processor) Process(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.Process")
	defer span.End()

	if err := p.verifier.Verify(payload, sigHeader); err != nil {
		metrics.PaymentEventsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		metrics.PaymentEventsTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("event_id", ev.ID), attribute.String("event_type", ev.Type))

	key := idempotency.KeyFor(ev.ID, ev.Type)
	if rec, err := p.records.Get(ctx, key); err == nil {
		metrics.PaymentEventsTotal.WithLabelValues("duplicate").Inc()
		p.logger.Info("duplicate webhook delivery acknowledged",
			"event_id", ev.ID, "event_type", ev.Type, "first_outcome", rec.OutcomeSummary)
		return &Result{EventID: ev.ID, Duplicate: true, Outcome: rec.OutcomeSummary}, nil
	} else if !errors.Is(err, idempotency.ErrNotFound) {
		return nil, err
	}

	var result *Result
	switch ev.Type {
	case EventPaymentCaptured:
		result, err = p.applyCaptured(ctx, ev, key)
	case EventPaymentAuthorized:
		result, err = p.applyAuthorized(ctx, ev, key)
	case EventPaymentFailed:
		result, err = p.applyFailed(ctx, ev, key)
	}
	if err != nil {
		if errors.Is(err, idempotency.ErrDuplicate) {
			// Concurrent delivery of the same event won the record race.
			metrics.PaymentEventsTotal.WithLabelValues("duplicate").Inc()
			return &Result{EventID: ev.ID, Duplicate: true, Outcome: "processed concurrently"}, nil
		}
		metrics.PaymentEventsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.PaymentEventsTotal.WithLabelValues("processed").Inc()
	p.logger.Info("payment event applied",
		"event_id", ev.ID, "event_type", ev.Type, "escrow_id", result.EscrowID, "outcome", result.Outcome)
	return result, nil
}

// applyCaptured creates a held escrow, or confirms capture on an escrow the
// authorization event already created.
func (p *Processor) applyCaptured(ctx context.Context, ev *Event, key string) (*Result, error) {
	d, err := ev.paymentData()
	if err != nil {
		return nil, err
	}

	if existing, err := p.escrows.GetByPaymentReference(ctx, d.PaymentReferenceID); err == nil {
		held, err := p.escrows.Hold(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("confirming capture on escrow %s: %w", existing.ID, err)
		}
		if err := p.record(ctx, key, "capture confirmed on "+held.ID); err != nil {
			return nil, err
		}
		return &Result{EventID: ev.ID, Outcome: "capture confirmed", EscrowID: held.ID}, nil
	} else if !errors.Is(err, escrow.ErrNotFound) {
		return nil, err
	}

	rec := &idempotency.Record{Key: key, OutcomeSummary: "escrow held", ProcessedAt: time.Now()}
	e, created, err := p.escrows.CreateFromPayment(ctx, d.createParams(), rec)
	if err != nil {
		return nil, err
	}
	outcome := "escrow held"
	if !created {
		outcome = "escrow already existed"
		if err := p.record(ctx, key, outcome); err != nil {
			return nil, err
		}
	}
	return &Result{EventID: ev.ID, Outcome: outcome, EscrowID: e.ID}, nil
}

func (p *Processor) applyAuthorized(ctx context.Context, ev *Event, key string) (*Result, error) {
	d, err := ev.paymentData()
	if err != nil {
		return nil, err
	}

	rec := &idempotency.Record{Key: key, OutcomeSummary: "escrow pending", ProcessedAt: time.Now()}
	e, created, err := p.escrows.CreateFromAuthorization(ctx, d.createParams(), rec)
	if err != nil {
		return nil, err
	}
	outcome := "escrow pending"
	if !created {
		outcome = "escrow already existed"
		if err := p.record(ctx, key, outcome); err != nil {
			return nil, err
		}
	}
	return &Result{EventID: ev.ID, Outcome: outcome, EscrowID: e.ID}, nil
}

// applyFailed cancels the escrow for a failed payment. A failure for a
// reference we never saw still gets recorded: the provider will not stop
// retrying until we acknowledge.
func (p *Processor) applyFailed(ctx context.Context, ev *Event, key string) (*Result, error) {
	d, err := ev.failureData()
	if err != nil {
		return nil, err
	}

	e, err := p.escrows.GetByPaymentReference(ctx, d.PaymentReferenceID)
	if errors.Is(err, escrow.ErrNotFound) {
		if err := p.record(ctx, key, "no escrow for failed payment"); err != nil {
			return nil, err
		}
		return &Result{EventID: ev.ID, Outcome: "no escrow for failed payment"}, nil
	}
	if err != nil {
		return nil, err
	}

	cancelled, err := p.escrows.Cancel(ctx, e.ID)
	if err != nil {
		if errors.Is(err, escrow.ErrConflict) {
			// Settled before the failure arrived; the escrow outcome stands.
			if err := p.record(ctx, key, "escrow already settled"); err != nil {
				return nil, err
			}
			return &Result{EventID: ev.ID, Outcome: "escrow already settled", EscrowID: e.ID}, nil
		}
		return nil, err
	}

	if err := p.record(ctx, key, "escrow cancelled"); err != nil {
		return nil, err
	}
	return &Result{EventID: ev.ID, Outcome: "escrow cancelled", EscrowID: cancelled.ID}, nil
}

func (p *Processor) record(ctx context.Context, key, outcome string) error {
	err := p.records.Insert(ctx, &idempotency.Record{
		Key:            key,
		OutcomeSummary: outcome,
		ProcessedAt:    time.Now(),
	})
	if err != nil && !errors.Is(err, idempotency.ErrDuplicate) {
		return err
	}
	return nil
}
