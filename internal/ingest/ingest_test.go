package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/escrow"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/idempotency"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

type nopTransfers struct{}

func (nopTransfers) EnqueuePayout(ctx context.Context, escrowID, payeeID string, amount money.Cents) error {
	return nil
}
func (nopTransfers) EnqueueRefund(ctx context.Context, escrowID, payerID string, amount money.Cents) error {
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *escrow.Service, *HMACVerifier, *testClock) {
	t.Helper()
	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	records := idempotency.NewMemoryStore()
	store := escrow.NewMemoryStore(records)
	logger := slog.New(slog.DiscardHandler)
	escrows := escrow.NewService(store, nopTransfers{}, logger).WithClock(clock.Now)
	verifier := NewHMACVerifier("whsec_test", 5*time.Minute).WithClock(clock.Now)
	return NewProcessor(verifier, escrows, records, logger), escrows, verifier, clock
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func capturedEvent(eventID, ref string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": EventPaymentCaptured,
		"data": map[string]any{
			"paymentReferenceId": ref,
			"jobId":              "job_aaaaaaaaaaaaaaaaaaaaaaaa",
			"payerId":            "sub_bbbbbbbbbbbbbbbbbbbbbbbb",
			"payeeId":            "sub_cccccccccccccccccccccccc",
			"amountCents":        50_000,
			"payeeTier":          "standard",
		},
	})
	return payload
}

func TestCapturedCreatesHeldEscrow(t *testing.T) {
	p, escrows, verifier, clock := newTestProcessor(t)
	ctx := context.Background()

	payload := capturedEvent("evt_1", "pi_100")
	result, err := p.Process(ctx, payload, verifier.Sign(payload, clock.Now()))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Duplicate || result.EscrowID == "" {
		t.Fatalf("result = %+v, want a fresh escrow", result)
	}

	e, err := escrows.GetByPaymentReference(ctx, "pi_100")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != escrow.StatusHeld {
		t.Errorf("status = %s, want held", e.Status)
	}
	if e.PlatformFee != 5_000 || e.PayeePayout != 45_000 {
		t.Errorf("split = %d/%d, want 5000/45000", e.PlatformFee, e.PayeePayout)
	}
}

func TestDuplicateDeliveryAppliedOnce(t *testing.T) {
	p, escrows, verifier, clock := newTestProcessor(t)
	ctx := context.Background()

	payload := capturedEvent("evt_dup", "pi_200")
	first, err := p.Process(ctx, payload, verifier.Sign(payload, clock.Now()))
	if err != nil {
		t.Fatal(err)
	}

	second, err := p.Process(ctx, payload, verifier.Sign(payload, clock.Now()))
	if err != nil {
		t.Fatalf("re-delivery must succeed, got %v", err)
	}
	if !second.Duplicate {
		t.Error("second delivery should be flagged duplicate")
	}

	all, err := escrows.ListByJob(ctx, "job_aaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("escrows = %d, want exactly 1 despite re-delivery", len(all))
	}
	if all[0].ID != first.EscrowID {
		t.Errorf("escrow = %s, want %s", all[0].ID, first.EscrowID)
	}
}

func TestDistinctEventsSamePaymentReference(t *testing.T) {
	p, escrows, verifier, clock := newTestProcessor(t)
	ctx := context.Background()

	// Two different event IDs naming the same payment: the second is not a
	// duplicate delivery, but the payment reference still maps to one escrow.
	first := capturedEvent("evt_a", "pi_300")
	if _, err := p.Process(ctx, first, verifier.Sign(first, clock.Now())); err != nil {
		t.Fatal(err)
	}
	second := capturedEvent("evt_b", "pi_300")
	result, err := p.Process(ctx, second, verifier.Sign(second, clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if result.Duplicate {
		t.Error("distinct event ID should not be a duplicate")
	}

	all, _ := escrows.ListByJob(ctx, "job_aaaaaaaaaaaaaaaaaaaaaaaa")
	if len(all) != 1 {
		t.Errorf("escrows = %d, want 1", len(all))
	}
}

func TestAuthorizedThenCapturedFlow(t *testing.T) {
	p, escrows, verifier, clock := newTestProcessor(t)
	ctx := context.Background()

	auth, _ := json.Marshal(map[string]any{
		"id":   "evt_auth",
		"type": EventPaymentAuthorized,
		"data": map[string]any{
			"paymentReferenceId": "pi_400",
			"jobId":              "job_aaaaaaaaaaaaaaaaaaaaaaaa",
			"payerId":            "sub_bbbbbbbbbbbbbbbbbbbbbbbb",
			"payeeId":            "sub_cccccccccccccccccccccccc",
			"amountCents":        50_000,
			"payeeTier":          "pro",
		},
	})
	if _, err := p.Process(ctx, auth, verifier.Sign(auth, clock.Now())); err != nil {
		t.Fatal(err)
	}
	e, _ := escrows.GetByPaymentReference(ctx, "pi_400")
	if e.Status != escrow.StatusPending {
		t.Fatalf("status = %s after authorization, want pending", e.Status)
	}

	clock.Advance(time.Minute)
	capture := capturedEvent("evt_capture", "pi_400")
	result, err := p.Process(ctx, capture, verifier.Sign(capture, clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != "capture confirmed" {
		t.Errorf("outcome = %q, want capture confirmed", result.Outcome)
	}
	e, _ = escrows.GetByPaymentReference(ctx, "pi_400")
	if e.Status != escrow.StatusHeld {
		t.Errorf("status = %s after capture, want held", e.Status)
	}
}

// A capture confirmation applies Hold and writes its idempotency record as
// two separate writes. If the record is lost between them, the provider
// redelivers and Hold re-applies to an already-held escrow, which must be a
// clean success.
func TestCaptureRedeliveryAfterLostRecord(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	records := idempotency.NewMemoryStore()
	store := escrow.NewMemoryStore(records)
	logger := slog.New(slog.DiscardHandler)
	escrows := escrow.NewService(store, nopTransfers{}, logger).WithClock(clock.Now)
	verifier := NewHMACVerifier("whsec_test", 5*time.Minute).WithClock(clock.Now)
	p := NewProcessor(verifier, escrows, records, logger)
	ctx := context.Background()

	auth, _ := json.Marshal(map[string]any{
		"id":   "evt_auth2",
		"type": EventPaymentAuthorized,
		"data": map[string]any{
			"paymentReferenceId": "pi_600",
			"jobId":              "job_aaaaaaaaaaaaaaaaaaaaaaaa",
			"payerId":            "sub_bbbbbbbbbbbbbbbbbbbbbbbb",
			"payeeId":            "sub_cccccccccccccccccccccccc",
			"amountCents":        50_000,
			"payeeTier":          "standard",
		},
	})
	if _, err := p.Process(ctx, auth, verifier.Sign(auth, clock.Now())); err != nil {
		t.Fatal(err)
	}
	capture := capturedEvent("evt_capture2", "pi_600")
	if _, err := p.Process(ctx, capture, verifier.Sign(capture, clock.Now())); err != nil {
		t.Fatal(err)
	}

	// Fresh record store against the same escrows: the capture's effect
	// survived but its record did not.
	recovered := NewProcessor(verifier, escrows, idempotency.NewMemoryStore(), logger)
	result, err := recovered.Process(ctx, capture, verifier.Sign(capture, clock.Now()))
	if err != nil {
		t.Fatalf("redelivery after lost record: %v", err)
	}
	if result.Outcome != "capture confirmed" {
		t.Errorf("outcome = %q, want capture confirmed", result.Outcome)
	}

	e, _ := escrows.GetByPaymentReference(ctx, "pi_600")
	if e.Status != escrow.StatusHeld {
		t.Errorf("status = %s, want held", e.Status)
	}
	all, _ := escrows.ListByJob(ctx, "job_aaaaaaaaaaaaaaaaaaaaaaaa")
	if len(all) != 1 {
		t.Errorf("escrows = %d, want 1", len(all))
	}
}

func TestFailedPaymentCancelsEscrow(t *testing.T) {
	p, escrows, verifier, clock := newTestProcessor(t)
	ctx := context.Background()

	payload := capturedEvent("evt_ok", "pi_500")
	if _, err := p.Process(ctx, payload, verifier.Sign(payload, clock.Now())); err != nil {
		t.Fatal(err)
	}

	failed, _ := json.Marshal(map[string]any{
		"id":   "evt_failed",
		"type": EventPaymentFailed,
		"data": map[string]any{"paymentReferenceId": "pi_500", "reason": "card_declined"},
	})
	result, err := p.Process(ctx, failed, verifier.Sign(failed, clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != "escrow cancelled" {
		t.Errorf("outcome = %q, want escrow cancelled", result.Outcome)
	}
	e, _ := escrows.GetByPaymentReference(ctx, "pi_500")
	if e.Status != escrow.StatusCancelled {
		t.Errorf("status = %s, want cancelled", e.Status)
	}

	// A failure for an unknown reference is acknowledged, not retried forever.
	unknown, _ := json.Marshal(map[string]any{
		"id":   "evt_unknown",
		"type": EventPaymentFailed,
		"data": map[string]any{"paymentReferenceId": "pi_never_seen"},
	})
	result, err = p.Process(ctx, unknown, verifier.Sign(unknown, clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != "no escrow for failed payment" {
		t.Errorf("outcome = %q", result.Outcome)
	}
}

func TestReplayRejected(t *testing.T) {
	p, _, verifier, clock := newTestProcessor(t)

	payload := capturedEvent("evt_old", "pi_600")
	staleSig := verifier.Sign(payload, clock.Now().Add(-10*time.Minute))
	_, err := p.Process(context.Background(), payload, staleSig)
	if !errors.Is(err, ErrReplayDetected) {
		t.Errorf("err = %v, want ErrReplayDetected", err)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	p, _, _, clock := newTestProcessor(t)

	payload := capturedEvent("evt_forged", "pi_700")
	forged := NewHMACVerifier("wrong_secret", 5*time.Minute).Sign(payload, clock.Now())
	_, err := p.Process(context.Background(), payload, forged)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestMalformedPayloads(t *testing.T) {
	p, _, verifier, clock := newTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing id", `{"type":"payment.captured","data":{}}`},
		{"unknown type", `{"id":"evt_x","type":"payment.finalized","data":{}}`},
		{"captured without identifiers", `{"id":"evt_y","type":"payment.captured","data":{"amountCents":100}}`},
		{"negative amount", `{"id":"evt_z","type":"payment.captured","data":{"paymentReferenceId":"pi","jobId":"j","payerId":"a","payeeId":"b","amountCents":-5}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(tt.payload)
			_, err := p.Process(ctx, payload, verifier.Sign(payload, clock.Now()))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestHMACHeaderParsing(t *testing.T) {
	v := NewHMACVerifier("s", time.Minute)

	cases := []string{
		"",
		"v1=abc",
		"t=notanumber,v1=abc",
		"t=123",
	}
	for _, header := range cases {
		if err := v.Verify([]byte("{}"), header); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("header %q: err = %v, want ErrMalformedPayload", header, err)
		}
	}
}
