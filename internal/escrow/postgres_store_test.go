//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/idgen"
)

func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mintenance_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Mirrors migrations 001 and 002.
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id                   VARCHAR(64) PRIMARY KEY,
			payment_reference_id VARCHAR(255) NOT NULL UNIQUE,
			job_id               VARCHAR(64) NOT NULL,
			payer_id             VARCHAR(64) NOT NULL,
			payee_id             VARCHAR(64) NOT NULL,
			amount_cents         BIGINT NOT NULL,
			platform_fee_cents   BIGINT NOT NULL,
			payee_payout_cents   BIGINT NOT NULL,
			payee_tier           VARCHAR(20) NOT NULL,
			status               VARCHAR(20) NOT NULL,
			auto_release_at      TIMESTAMPTZ,
			dispute_reason       TEXT,
			dispute_priority     VARCHAR(10),
			dispute_evidence     JSONB NOT NULL DEFAULT '[]',
			sla_deadline         TIMESTAMPTZ,
			escalation_level     INT NOT NULL DEFAULT 0,
			resolution           TEXT,
			resolved_at          TIMESTAMPTZ,
			version              BIGINT NOT NULL,
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key             VARCHAR(64) PRIMARY KEY,
			outcome_summary TEXT NOT NULL,
			processed_at    TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	return NewPostgresStore(db), db
}

func testEscrow(ref string) *Escrow {
	now := time.Now().Truncate(time.Microsecond)
	return &Escrow{
		ID:                 idgen.WithPrefix("esc_"),
		PaymentReferenceID: ref,
		JobID:              "job_aaaaaaaaaaaaaaaaaaaaaaaa",
		PayerID:            "sub_bbbbbbbbbbbbbbbbbbbbbbbb",
		PayeeID:            "sub_cccccccccccccccccccccccc",
		Amount:             50_000,
		PlatformFee:        5_000,
		PayeePayout:        45_000,
		PayeeTier:          TierStandard,
		Status:             StatusHeld,
		AutoReleaseAt:      now.Add(168 * time.Hour),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestPostgresCreateAndGet(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	e := testEscrow("pi_create_1")
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PaymentReferenceID != e.PaymentReferenceID {
		t.Errorf("reference = %s, want %s", got.PaymentReferenceID, e.PaymentReferenceID)
	}
	if got.Amount != 50_000 || got.PlatformFee != 5_000 || got.PayeePayout != 45_000 {
		t.Errorf("amounts = %d/%d/%d", got.Amount, got.PlatformFee, got.PayeePayout)
	}
	if got.SLADeadline != nil || got.ResolvedAt != nil {
		t.Error("nullable timestamps should round-trip as nil")
	}

	byRef, err := store.GetByPaymentReference(ctx, "pi_create_1")
	if err != nil {
		t.Fatalf("GetByPaymentReference: %v", err)
	}
	if byRef.ID != e.ID {
		t.Errorf("byRef.ID = %s, want %s", byRef.ID, e.ID)
	}
}

func TestPostgresDuplicateReference(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	if err := store.Create(ctx, testEscrow("pi_dup")); err != nil {
		t.Fatal(err)
	}
	err := store.Create(ctx, testEscrow("pi_dup"))
	if !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("err = %v, want ErrDuplicateReference", err)
	}
}

func TestPostgresUpdateIfGuards(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	e := testEscrow("pi_guard")
	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Truncate(time.Microsecond)
	e.Status = StatusReleased
	e.Resolution = "manual_release"
	e.ResolvedAt = &now
	e.Version = 2
	e.UpdatedAt = now
	if err := store.UpdateIf(ctx, e, StatusHeld, 1); err != nil {
		t.Fatalf("first UpdateIf: %v", err)
	}

	// A second writer that still thinks the escrow is held must conflict.
	stale := testEscrow("pi_guard_ignored")
	stale.ID = e.ID
	stale.Status = StatusRefunded
	stale.Version = 2
	if err := store.UpdateIf(ctx, stale, StatusHeld, 1); !errors.Is(err, ErrConflict) {
		t.Errorf("stale UpdateIf err = %v, want ErrConflict", err)
	}

	missing := testEscrow("pi_guard_missing")
	if err := store.UpdateIf(ctx, missing, StatusHeld, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing UpdateIf err = %v, want ErrNotFound", err)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusReleased || got.Version != 2 {
		t.Errorf("stored = %s v%d, want released v2", got.Status, got.Version)
	}
}

func TestPostgresCreateWithRecordAtomicity(t *testing.T) {
	store, db := setupTestDB(t)
	ctx := context.Background()

	rec := &idempotency.Record{
		Key:            idempotency.KeyFor("evt_1", "payment.captured"),
		OutcomeSummary: "escrow created",
		ProcessedAt:    time.Now(),
	}
	e := testEscrow("pi_atomic")
	if err := store.CreateWithRecord(ctx, e, rec); err != nil {
		t.Fatalf("CreateWithRecord: %v", err)
	}

	// Replaying the same event against a fresh escrow must fail on the
	// record and roll the escrow insert back.
	e2 := testEscrow("pi_atomic_2")
	err := store.CreateWithRecord(ctx, e2, rec)
	if !errors.Is(err, idempotency.ErrDuplicate) {
		t.Fatalf("err = %v, want idempotency.ErrDuplicate", err)
	}
	if _, err := store.Get(ctx, e2.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back escrow should not exist, got %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("escrow rows = %d, want 1", count)
	}
}

func TestPostgresListAutoReleasable(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	past := testEscrow("pi_past")
	past.AutoReleaseAt = now.Add(-time.Hour)
	future := testEscrow("pi_future")
	disputed := testEscrow("pi_disputed")
	disputed.Status = StatusDisputed
	disputed.AutoReleaseAt = now.Add(-time.Hour)
	deadline := now.Add(-time.Minute)
	disputed.SLADeadline = &deadline

	for _, e := range []*Escrow{past, future, disputed} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	due, err := store.ListAutoReleasable(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListAutoReleasable: %v", err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Errorf("due = %v, want only the past held escrow", due)
	}

	overdue, err := store.ListOverdueDisputes(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListOverdueDisputes: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != disputed.ID {
		t.Errorf("overdue = %v, want only the disputed escrow", overdue)
	}
}

func TestPostgresEvidenceRoundTrip(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond)

	e := testEscrow("pi_evidence")
	e.Status = StatusDisputed
	e.DisputeReason = "work incomplete"
	e.DisputePriority = PriorityNormal
	e.DisputeEvidence = []string{"photo_1", "chat_log_2"}
	deadline := now.Add(72 * time.Hour)
	e.SLADeadline = &deadline

	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DisputeEvidence) != 2 || got.DisputeEvidence[1] != "chat_log_2" {
		t.Errorf("evidence = %v, want the two refs back", got.DisputeEvidence)
	}
	if got.SLADeadline == nil || !got.SLADeadline.Equal(deadline) {
		t.Errorf("slaDeadline = %v, want %v", got.SLADeadline, deadline)
	}
}
