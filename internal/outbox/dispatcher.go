package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/metrics"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/retry"
)

// dispatchBatchSize bounds how many entries one pass delivers.
const dispatchBatchSize = 50

// baseRetryDelay is the backoff base between delivery attempts.
const baseRetryDelay = 30 * time.Second

// Gateway executes transfers at the payment provider. The idempotency key
// makes re-sending a transfer safe on the provider side.
type Gateway interface {
	Payout(ctx context.Context, idempotencyKey, payeeID string, amount money.Cents) error
	Refund(ctx context.Context, idempotencyKey, payerID string, amount money.Cents) error
}

// AlertSink receives operator alerts for exhausted entries.
type AlertSink interface {
	Raise(ctx context.Context, kind, escrowID, message string) error
}

// Dispatcher delivers queued transfers to the gateway, retrying with
// exponential backoff. Multiple instances may run against the same store:
// the worst case is a redundant delivery, which the gateway idempotency
// key absorbs.
type Dispatcher struct {
	store       Store
	gateway     Gateway
	alerts      AlertSink
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	now         func() time.Time

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDispatcher creates a dispatcher. alerts may be nil.
func NewDispatcher(store Store, gateway Gateway, alerts AlertSink, interval time.Duration, maxAttempts int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		gateway:     gateway,
		alerts:      alerts,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// WithClock overrides the dispatcher clock for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	go d.loop()
	d.logger.Info("outbox dispatcher started", "interval", d.interval, "max_attempts", d.maxAttempts)
}

// Stop signals the loop to exit and waits for the in-flight pass.
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)
	<-d.doneCh
	d.logger.Info("outbox dispatcher stopped")
}

func (d *Dispatcher) loop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runOnce()
		}
	}
}

func (d *Dispatcher) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch pass panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	d.Dispatch(ctx)
}

// Dispatch runs one delivery pass. Exported so tests can drive passes
// without the ticker.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	due, err := d.store.ListDue(ctx, d.now(), dispatchBatchSize)
	if err != nil {
		d.logger.Error("listing due outbox entries failed", "error", err)
		return
	}

	for _, e := range due {
		d.deliver(ctx, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e *Entry) {
	var err error
	switch e.Action {
	case ActionPayout:
		err = d.gateway.Payout(ctx, e.Key, e.PartyID, e.Amount)
	case ActionRefund:
		err = d.gateway.Refund(ctx, e.Key, e.PartyID, e.Amount)
	default:
		err = retry.Permanent(errUnknownAction(e.Action))
	}

	now := d.now()
	e.Attempts++
	e.UpdatedAt = now

	if err == nil {
		e.Status = StatusDelivered
		e.LastError = ""
		if updErr := d.store.Update(ctx, e); updErr != nil {
			d.logger.Error("marking outbox entry delivered failed", "entry_id", e.ID, "error", updErr)
			return
		}
		metrics.OutboxDispatchTotal.WithLabelValues(string(e.Action), "delivered").Inc()
		d.logger.Info("transfer delivered",
			"entry_id", e.ID, "escrow_id", e.EscrowID, "action", string(e.Action),
			"attempts", e.Attempts)
		return
	}

	e.LastError = err.Error()

	var pe *retry.PermanentError
	if errors.As(err, &pe) || e.Attempts >= d.maxAttempts {
		e.Status = StatusFailed
		if updErr := d.store.Update(ctx, e); updErr != nil {
			d.logger.Error("marking outbox entry failed failed", "entry_id", e.ID, "error", updErr)
			return
		}
		metrics.OutboxDispatchTotal.WithLabelValues(string(e.Action), "exhausted").Inc()
		d.logger.Error("transfer exhausted its attempts",
			"entry_id", e.ID, "escrow_id", e.EscrowID, "action", string(e.Action),
			"attempts", e.Attempts, "error", err)
		if d.alerts != nil {
			if alertErr := d.alerts.Raise(ctx, "outbox_exhausted", e.EscrowID,
				"transfer "+string(e.Action)+" failed after all attempts: "+err.Error()); alertErr != nil {
				d.logger.Error("raising outbox alert failed", "entry_id", e.ID, "error", alertErr)
			}
		}
		return
	}

	e.NextAttemptAt = now.Add(retry.Backoff(baseRetryDelay, e.Attempts))
	if updErr := d.store.Update(ctx, e); updErr != nil {
		d.logger.Error("rescheduling outbox entry failed", "entry_id", e.ID, "error", updErr)
		return
	}
	metrics.OutboxDispatchTotal.WithLabelValues(string(e.Action), "retried").Inc()
	d.logger.Warn("transfer delivery failed, will retry",
		"entry_id", e.ID, "escrow_id", e.EscrowID, "attempts", e.Attempts,
		"next_attempt_at", e.NextAttemptAt, "error", err)
}

type errUnknownAction Action

func (e errUnknownAction) Error() string { return "unknown outbox action " + string(e) }
