package alerts

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Alert) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alerts (id, kind, escrow_id, message, acknowledged, acknowledged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Kind, nullString(a.EscrowID), a.Message, a.Acknowledged,
		nullTime(a.AcknowledgedAt), a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx, `
		SELECT id, kind, escrow_id, message, acknowledged, acknowledged_at, created_at
		FROM alerts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) List(ctx context.Context, unacknowledgedOnly bool, limit int) ([]*Alert, error) {
	query := `
		SELECT id, kind, escrow_id, message, acknowledged, acknowledged_at, created_at
		FROM alerts`
	if unacknowledgedOnly {
		query += ` WHERE acknowledged = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, a *Alert) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = $1, acknowledged_at = $2 WHERE id = $3`,
		a.Acknowledged, nullTime(a.AcknowledgedAt), a.ID,
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(s scanner) (*Alert, error) {
	a := &Alert{}
	var (
		escrowID sql.NullString
		ackedAt  sql.NullTime
	)
	err := s.Scan(&a.ID, &a.Kind, &escrowID, &a.Message, &a.Acknowledged, &ackedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.EscrowID = escrowID.String
	if ackedAt.Valid {
		a.AcknowledgedAt = &ackedAt.Time
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
