package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

// PostgresStore persists outbox entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, dedup_key, escrow_id, action, party_id, amount_cents,
	       status, attempts, next_attempt_at, last_error, created_at, updated_at`

func (p *PostgresStore) Enqueue(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO outbox_entries (
			id, dedup_key, escrow_id, action, party_id, amount_cents,
			status, attempts, next_attempt_at, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedup_key) DO NOTHING`,
		e.ID, e.Key, e.EscrowID, string(e.Action), e.PartyID, int64(e.Amount),
		string(e.Status), e.Attempts, e.NextAttemptAt, nullString(e.LastError),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM outbox_entries WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ListDue does not claim rows: two dispatcher instances can pick up the same
// entry and both call the gateway. The dedup key doubles as the gateway
// idempotency key, so the duplicate send is absorbed there.
func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) Update(ctx context.Context, e *Entry) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE outbox_entries SET
			status = $1, attempts = $2, next_attempt_at = $3,
			last_error = $4, updated_at = $5
		WHERE id = $6`,
		string(e.Status), e.Attempts, e.NextAttemptAt,
		nullString(e.LastError), e.UpdatedAt, e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		action    string
		amount    int64
		status    string
		lastError sql.NullString
	)
	err := s.Scan(&e.ID, &e.Key, &e.EscrowID, &action, &e.PartyID, &amount,
		&status, &e.Attempts, &e.NextAttemptAt, &lastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Action = Action(action)
	e.Amount = money.Cents(amount)
	e.Status = Status(status)
	e.LastError = lastError.String
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
