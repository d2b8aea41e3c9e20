package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/metrics"
)

// sweepBatchSize bounds how many escrows one sweep pass claims. Anything
// left over is picked up on the next tick.
const sweepBatchSize = 100

// AlertSink receives operator alerts raised by background processing.
type AlertSink interface {
	Raise(ctx context.Context, kind, escrowID, message string) error
}

// Sweeper periodically auto-releases held escrows past their deadline and
// escalates disputes that blew their mediation SLA. Multiple instances can
// run concurrently: every transition goes through the service's conditional
// update, so a row claimed by one instance conflicts benignly on the others.
type Sweeper struct {
	service  *Service
	store    Store
	alerts   AlertSink
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper. alerts may be nil.
func NewSweeper(service *Service, store Store, alerts AlertSink, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		store:    store,
		alerts:   alerts,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WithClock overrides the sweeper clock for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
	s.logger.Info("escrow sweeper started", "interval", s.interval)
}

// Stop signals the loop to exit and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("escrow sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// runOnce executes a single sweep pass, recovering from panics so a bad row
// cannot kill the loop.
func (s *Sweeper) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep pass panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Sweep(ctx)
}

// Sweep runs one pass of auto-release and dispute escalation. Exported so
// tests can drive passes deterministically without the ticker.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.SweepRunsTotal.Inc()
	now := s.now()

	s.autoRelease(ctx, now)
	s.escalateOverdue(ctx, now)
}

func (s *Sweeper) autoRelease(ctx context.Context, now time.Time) {
	due, err := s.store.ListAutoReleasable(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("listing auto-releasable escrows failed", "error", err)
		return
	}

	for _, e := range due {
		if _, err := s.service.Release(ctx, e.ID, ReasonAuto); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				// Disputed, already released, or claimed by a sibling
				// instance between list and update. Not our row anymore.
				continue
			}
			s.logger.Error("auto-release failed", "escrow_id", e.ID, "error", err)
			continue
		}
		s.logger.Info("escrow auto-released",
			"escrow_id", e.ID, "payee_id", e.PayeeID, "payout_cents", int64(e.PayeePayout))
	}
}

func (s *Sweeper) escalateOverdue(ctx context.Context, now time.Time) {
	overdue, err := s.store.ListOverdueDisputes(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Error("listing overdue disputes failed", "error", err)
		return
	}

	for _, e := range overdue {
		escalated, err := s.service.Escalate(ctx, e.ID)
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Error("dispute escalation failed", "escrow_id", e.ID, "error", err)
			continue
		}
		s.logger.Warn("dispute SLA breached, escalated",
			"escrow_id", escalated.ID,
			"escalation_level", escalated.EscalationLevel,
			"priority", escalated.DisputePriority)

		if s.alerts != nil {
			if err := s.alerts.Raise(ctx, "sla_breach", escalated.ID,
				"dispute mediation SLA breached"); err != nil {
				s.logger.Error("raising SLA breach alert failed", "escrow_id", escalated.ID, "error", err)
			}
		}
	}
}
