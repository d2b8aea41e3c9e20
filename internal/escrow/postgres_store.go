package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payment_reference_id, job_id, payer_id, payee_id,
	       amount_cents, platform_fee_cents, payee_payout_cents, payee_tier,
	       status, auto_release_at, dispute_reason, dispute_priority,
	       dispute_evidence, sla_deadline, escalation_level, resolution,
	       resolved_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	return p.insert(ctx, p.db, e)
}

func (p *PostgresStore) CreateWithRecord(ctx context.Context, e *Escrow, rec *idempotency.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.insert(ctx, tx, e); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, outcome_summary, processed_at)
		VALUES ($1, $2, $3)`,
		rec.Key, rec.OutcomeSummary, rec.ProcessedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return idempotency.ErrDuplicate
		}
		return err
	}
	return tx.Commit()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) insert(ctx context.Context, db execer, e *Escrow) error {
	evidenceJSON, _ := json.Marshal(e.DisputeEvidence)
	if e.DisputeEvidence == nil {
		evidenceJSON = []byte("[]")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, payment_reference_id, job_id, payer_id, payee_id,
			amount_cents, platform_fee_cents, payee_payout_cents, payee_tier,
			status, auto_release_at, dispute_reason, dispute_priority,
			dispute_evidence, sla_deadline, escalation_level, resolution,
			resolved_at, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21
		)`,
		e.ID, e.PaymentReferenceID, e.JobID, e.PayerID, e.PayeeID,
		int64(e.Amount), int64(e.PlatformFee), int64(e.PayeePayout), string(e.PayeeTier),
		string(e.Status), nullZeroTime(e.AutoReleaseAt), nullString(e.DisputeReason), nullString(string(e.DisputePriority)),
		evidenceJSON, nullTime(e.SLADeadline), e.EscalationLevel, nullString(e.Resolution),
		nullTime(e.ResolvedAt), e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByPaymentReference(ctx context.Context, ref string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE payment_reference_id = $1`, ref)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// UpdateIf is the conditional write behind every state transition. The
// status+version guard in the WHERE clause is what makes concurrent
// transitions (sweeper vs. dispute, or two sweeper instances) settle to
// exactly one winner.
func (p *PostgresStore) UpdateIf(ctx context.Context, e *Escrow, expectStatus Status, expectVersion int64) error {
	evidenceJSON, _ := json.Marshal(e.DisputeEvidence)
	if e.DisputeEvidence == nil {
		evidenceJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, auto_release_at = $2, dispute_reason = $3,
			dispute_priority = $4, dispute_evidence = $5, sla_deadline = $6,
			escalation_level = $7, resolution = $8, resolved_at = $9,
			version = $10, updated_at = $11
		WHERE id = $12 AND status = $13 AND version = $14`,
		string(e.Status), nullZeroTime(e.AutoReleaseAt), nullString(e.DisputeReason),
		nullString(string(e.DisputePriority)), evidenceJSON, nullTime(e.SLADeadline),
		e.EscalationLevel, nullString(e.Resolution), nullTime(e.ResolvedAt),
		e.Version, e.UpdatedAt,
		e.ID, string(expectStatus), expectVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the row is gone or someone got there first. Distinguish
		// so callers can report NotFound vs. Conflict correctly.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, e.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE job_id = $1
		ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'held'
		  AND auto_release_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListOverdueDisputes(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'disputed'
		  AND sla_deadline IS NOT NULL
		  AND sla_deadline < $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount        int64
		fee           int64
		payout        int64
		tier          string
		status        string
		autoReleaseAt sql.NullTime
		disputeRsn    sql.NullString
		priority      sql.NullString
		evidenceJSON  []byte
		slaDeadline   sql.NullTime
		resolution    sql.NullString
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.PaymentReferenceID, &e.JobID, &e.PayerID, &e.PayeeID,
		&amount, &fee, &payout, &tier,
		&status, &autoReleaseAt, &disputeRsn, &priority,
		&evidenceJSON, &slaDeadline, &e.EscalationLevel, &resolution,
		&resolvedAt, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount = money.Cents(amount)
	e.PlatformFee = money.Cents(fee)
	e.PayeePayout = money.Cents(payout)
	e.PayeeTier = Tier(tier)
	e.Status = Status(status)
	e.DisputeReason = disputeRsn.String
	e.DisputePriority = Priority(priority.String)
	e.Resolution = resolution.String
	if autoReleaseAt.Valid {
		e.AutoReleaseAt = autoReleaseAt.Time
	}
	if slaDeadline.Valid {
		e.SLADeadline = &slaDeadline.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &e.DisputeEvidence)
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullZeroTime stores the zero time as NULL (pending escrows have no
// auto-release deadline yet).
func nullZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
