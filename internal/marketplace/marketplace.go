// Package marketplace owns jobs and the bids workers place on them.
//
// The one hard guarantee here is award atomicity: accepting a bid marks
// that bid accepted, rejects every sibling, and assigns the job in a
// single atomic step, so two concurrent accepts can never both win.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idgen"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/metrics"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/traces"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrBidNotFound  = errors.New("bid not found")
	ErrConflict     = errors.New("job or bid state does not allow this operation")
	ErrUnauthorized = errors.New("not authorized for this job")
	ErrValidation   = errors.New("invalid marketplace parameters")
)

// JobStatus represents the state of a job posting.
type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobAssigned  JobStatus = "assigned"
	JobCancelled JobStatus = "cancelled"
)

// BidStatus represents the state of a bid.
type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

// Job is a maintenance job posted by a property owner.
type Job struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"ownerId"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Status          JobStatus `json:"status"`
	AwardedBidID    string    `json:"awardedBidId,omitempty"`
	AwardedWorkerID string    `json:"awardedWorkerId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Bid is a worker's offer to do a job at a price.
type Bid struct {
	ID        string      `json:"id"`
	JobID     string      `json:"jobId"`
	WorkerID  string      `json:"workerId"`
	Amount    money.Cents `json:"amountCents"`
	Note      string      `json:"note,omitempty"`
	Status    BidStatus   `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Store persists jobs and bids.
//
// AcceptBid is the atomicity primitive: implementations must apply the
// accept, the sibling rejections, and the job assignment as one unit, and
// return ErrConflict if the job is no longer open or the bid is no longer
// pending.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, j *Job) error

	CreateBid(ctx context.Context, b *Bid) error
	GetBid(ctx context.Context, id string) (*Bid, error)
	ListBidsByJob(ctx context.Context, jobID string) ([]*Bid, error)

	AcceptBid(ctx context.Context, jobID, bidID string, now time.Time) (*Job, *Bid, error)
}

// EventSink receives marketplace notifications. Delivery is best-effort.
type EventSink interface {
	BidAwarded(ctx context.Context, j *Job, b *Bid)
}

// Service implements marketplace operations.
type Service struct {
	store  Store
	events EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a marketplace service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithEventSink adds an award notification sink.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateJobParams are the inputs for posting a job.
type CreateJobParams struct {
	OwnerID     string
	Title       string
	Description string
}

// CreateJob posts a new open job.
func (s *Service) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.OwnerID == "" || p.Title == "" {
		return nil, fmt.Errorf("%w: owner and title are required", ErrValidation)
	}

	now := s.now()
	j := &Job{
		ID:          idgen.WithPrefix("job_"),
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		Status:      JobOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("job posted", "job_id", j.ID, "owner_id", j.OwnerID)
	return j, nil
}

// PlaceBidParams are the inputs for bidding on a job.
type PlaceBidParams struct {
	WorkerID string
	Amount   money.Cents
	Note     string
}

// PlaceBid puts a worker's offer on an open job. Owners cannot bid on
// their own jobs.
func (s *Service) PlaceBid(ctx context.Context, jobID string, p PlaceBidParams) (*Bid, error) {
	if p.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker is required", ErrValidation)
	}
	if !p.Amount.Valid() {
		return nil, fmt.Errorf("%w: amount out of range", ErrValidation)
	}

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobOpen {
		return nil, fmt.Errorf("%w: job is %s, bids are closed", ErrConflict, j.Status)
	}
	if p.WorkerID == j.OwnerID {
		return nil, fmt.Errorf("%w: owners cannot bid on their own jobs", ErrValidation)
	}

	now := s.now()
	b := &Bid{
		ID:        idgen.WithPrefix("bid_"),
		JobID:     jobID,
		WorkerID:  p.WorkerID,
		Amount:    p.Amount,
		Note:      p.Note,
		Status:    BidPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateBid(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("bid placed", "bid_id", b.ID, "job_id", jobID, "amount_cents", int64(b.Amount))
	return b, nil
}

// Accept awards the job to one bid. Only the job owner may accept, and at
// most one accept can ever succeed per job.
func (s *Service) Accept(ctx context.Context, callerID, jobID, bidID string) (*Job, *Bid, error) {
	ctx, span := traces.StartSpan(ctx, "marketplace.Accept",
		attribute.String("job_id", jobID), attribute.String("bid_id", bidID))
	defer span.End()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if callerID != j.OwnerID {
		return nil, nil, ErrUnauthorized
	}

	job, bid, err := s.store.AcceptBid(ctx, jobID, bidID, s.now())
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.BidAcceptsTotal.WithLabelValues("conflict").Inc()
		}
		return nil, nil, err
	}

	metrics.BidAcceptsTotal.WithLabelValues("won").Inc()
	s.logger.Info("bid accepted",
		"job_id", job.ID, "bid_id", bid.ID, "worker_id", bid.WorkerID,
		"amount_cents", int64(bid.Amount))
	if s.events != nil {
		s.events.BidAwarded(ctx, job, bid)
	}
	return job, bid, nil
}

// CancelJob withdraws an open job from the market. Assigned jobs are
// cancelled through escrow cancellation, not here.
func (s *Service) CancelJob(ctx context.Context, callerID, jobID string) (*Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if callerID != j.OwnerID {
		return nil, ErrUnauthorized
	}
	if j.Status == JobCancelled {
		return j, nil
	}
	if j.Status != JobOpen {
		return nil, fmt.Errorf("%w: job is %s, only open jobs can be withdrawn", ErrConflict, j.Status)
	}

	j.Status = JobCancelled
	j.UpdatedAt = s.now()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("job withdrawn", "job_id", j.ID)
	return j, nil
}

// GetJob returns a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// GetBid returns a bid by ID.
func (s *Service) GetBid(ctx context.Context, id string) (*Bid, error) {
	return s.store.GetBid(ctx, id)
}

// ListBids returns all bids on a job.
func (s *Service) ListBids(ctx context.Context, jobID string) ([]*Bid, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListBidsByJob(ctx, jobID)
}
