package marketplace

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

// PostgresStore persists marketplace data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, title, description, status,
			awarded_bid_id, awarded_worker_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID, j.OwnerID, j.Title, nullString(j.Description), string(j.Status),
		nullString(j.AwardedBidID), nullString(j.AwardedWorkerID), j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return p.scanJob(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, status,
		       awarded_bid_id, awarded_worker_id, created_at, updated_at
		FROM jobs WHERE id = $1`, id))
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *Job) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, awarded_bid_id = $2, awarded_worker_id = $3, updated_at = $4
		WHERE id = $5`,
		string(j.Status), nullString(j.AwardedBidID), nullString(j.AwardedWorkerID), j.UpdatedAt, j.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (p *PostgresStore) CreateBid(ctx context.Context, b *Bid) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bids (id, job_id, worker_id, amount_cents, note, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.JobID, b.WorkerID, int64(b.Amount), nullString(b.Note), string(b.Status),
		b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	return scanBid(p.db.QueryRowContext(ctx, `
		SELECT id, job_id, worker_id, amount_cents, note, status, created_at, updated_at
		FROM bids WHERE id = $1`, id))
}

func (p *PostgresStore) ListBidsByJob(ctx context.Context, jobID string) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, worker_id, amount_cents, note, status, created_at, updated_at
		FROM bids WHERE job_id = $1
		ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// AcceptBid runs the whole award in one transaction. The job row is locked
// with FOR UPDATE first, so concurrent accepts serialize on the job and the
// loser sees status=assigned and conflicts.
func (p *PostgresStore) AcceptBid(ctx context.Context, jobID, bidID string, now time.Time) (*Job, *Bid, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := p.scanJob(tx.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, status,
		       awarded_bid_id, awarded_worker_id, created_at, updated_at
		FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return nil, nil, err
	}
	if j.Status != JobOpen {
		return nil, nil, fmt.Errorf("%w: job is %s", ErrConflict, j.Status)
	}

	b, err := scanBid(tx.QueryRowContext(ctx, `
		SELECT id, job_id, worker_id, amount_cents, note, status, created_at, updated_at
		FROM bids WHERE id = $1 AND job_id = $2`, bidID, jobID))
	if err != nil {
		return nil, nil, err
	}
	if b.Status != BidPending {
		return nil, nil, fmt.Errorf("%w: bid is %s", ErrConflict, b.Status)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bids SET status = $1, updated_at = $2 WHERE id = $3`,
		string(BidAccepted), now, bidID,
	); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE bids SET status = $1, updated_at = $2
		WHERE job_id = $3 AND id <> $4 AND status = $5`,
		string(BidRejected), now, jobID, bidID, string(BidPending),
	); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, awarded_bid_id = $2, awarded_worker_id = $3, updated_at = $4
		WHERE id = $5`,
		string(JobAssigned), bidID, b.WorkerID, now, jobID,
	); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	j.Status = JobAssigned
	j.AwardedBidID = bidID
	j.AwardedWorkerID = b.WorkerID
	j.UpdatedAt = now
	b.Status = BidAccepted
	b.UpdatedAt = now
	return j, b, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var (
		description sql.NullString
		status      string
		awardedBid  sql.NullString
		awardedWkr  sql.NullString
	)
	err := s.Scan(&j.ID, &j.OwnerID, &j.Title, &description, &status,
		&awardedBid, &awardedWkr, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Description = description.String
	j.Status = JobStatus(status)
	j.AwardedBidID = awardedBid.String
	j.AwardedWorkerID = awardedWkr.String
	return j, nil
}

func scanBid(s scanner) (*Bid, error) {
	b := &Bid{}
	var (
		amount int64
		note   sql.NullString
		status string
	)
	err := s.Scan(&b.ID, &b.JobID, &b.WorkerID, &amount, &note, &status,
		&b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Amount = money.Cents(amount)
	b.Note = note.String
	b.Status = BidStatus(status)
	return b, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
