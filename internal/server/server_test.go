package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/config"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/ingest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testWebhookSecret = "whsec_test"

// testConfig returns a minimal in-memory config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		WebhookProvider:   "hmac",
		WebhookSecret:     testWebhookSecret,
		ReplayTolerance:   5 * time.Minute,
		SweepInterval:     time.Hour,
		DispatchInterval:  time.Hour,
		OutboxMaxAttempts: 3,
		AdminSecret:       "admin-secret",
		RateLimitRPS:      1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// do runs a request against the router with optional caller/admin headers.
func do(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// postWebhook delivers a signed payment event.
func postWebhook(t *testing.T, s *Server, event map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	sig := ingest.NewHMACVerifier(testWebhookSecret, 5*time.Minute).Sign(payload, time.Now())

	req := httptest.NewRequest("POST", "/v1/webhooks/payment-provider", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sig)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func capturedEvent(eventID, ref string) map[string]any {
	return map[string]any{
		"id":   eventID,
		"type": "payment.captured",
		"data": map[string]any{
			"paymentReferenceId": ref,
			"jobId":              "job_1",
			"payerId":            "owner_1",
			"payeeId":            "worker_1",
			"amountCents":        50000,
			"payeeTier":          "standard",
		},
	}
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health/live", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Run hasn't started, so the server reports not ready.
	w := do(s, "GET", "/health/ready", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Webhook-to-escrow flow
// ---------------------------------------------------------------------------

func TestCapturedWebhookCreatesHeldEscrow(t *testing.T) {
	s := newTestServer(t)

	w := postWebhook(t, s, capturedEvent("evt_cap_1", "pay_ref_1"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result struct {
		EscrowID  string `json:"escrowId"`
		Duplicate bool   `json:"duplicate"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if result.EscrowID == "" {
		t.Fatal("Expected an escrow ID in the webhook result")
	}
	if result.Duplicate {
		t.Error("First delivery must not be marked duplicate")
	}

	// The escrow is readable over the API and holding the funds.
	w = do(s, "GET", "/v1/escrows/"+result.EscrowID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 fetching escrow, got %d", w.Code)
	}
	var e struct {
		Status      string `json:"status"`
		AmountCents int64  `json:"amountCents"`
		PlatformFee int64  `json:"platformFeeCents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("Failed to parse escrow: %v", err)
	}
	if e.Status != "held" {
		t.Errorf("Expected held escrow, got %s", e.Status)
	}
	if e.AmountCents != 50000 || e.PlatformFee != 5000 {
		t.Errorf("Unexpected amounts: amount=%d fee=%d", e.AmountCents, e.PlatformFee)
	}
}

func TestDuplicateWebhookAcknowledgedOnce(t *testing.T) {
	s := newTestServer(t)

	first := postWebhook(t, s, capturedEvent("evt_dup", "pay_ref_dup"))
	if first.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", first.Code)
	}

	second := postWebhook(t, s, capturedEvent("evt_dup", "pay_ref_dup"))
	if second.Code != http.StatusOK {
		t.Fatalf("Expected 200 for redelivery, got %d", second.Code)
	}
	var result struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse result: %v", err)
	}
	if !result.Duplicate {
		t.Error("Redelivered event should be acknowledged as duplicate")
	}
}

func TestUnsignedWebhookRejected(t *testing.T) {
	s := newTestServer(t)

	payload, _ := json.Marshal(capturedEvent("evt_nosig", "pay_ref_nosig"))
	req := httptest.NewRequest("POST", "/v1/webhooks/payment-provider", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest && w.Code != http.StatusUnauthorized {
		t.Errorf("Expected rejection, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Party operations and authorization
// ---------------------------------------------------------------------------

func TestPayerReleasesEscrow(t *testing.T) {
	s := newTestServer(t)

	w := postWebhook(t, s, capturedEvent("evt_rel", "pay_ref_rel"))
	var result struct {
		EscrowID string `json:"escrowId"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &result)

	// The worker cannot trigger their own payout.
	w = do(s, "POST", "/v1/escrows/"+result.EscrowID+"/release", nil,
		map[string]string{"X-Caller-ID": "worker_1"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for payee release, got %d", w.Code)
	}

	// The job owner can.
	w = do(s, "POST", "/v1/escrows/"+result.EscrowID+"/release", nil,
		map[string]string{"X-Caller-ID": "owner_1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for payer release, got %d: %s", w.Code, w.Body.String())
	}
	var e struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	if e.Status != "released" {
		t.Errorf("Expected released, got %s", e.Status)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/v1/admin/alerts", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}

	w = do(s, "GET", "/v1/admin/alerts", nil,
		map[string]string{"X-Admin-Secret": "admin-secret"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with admin secret, got %d", w.Code)
	}

	w = do(s, "GET", "/v1/admin/outbox/failed", nil,
		map[string]string{"X-Admin-Secret": "admin-secret"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 listing failed transfers, got %d", w.Code)
	}
}

func TestMediationResolveFlow(t *testing.T) {
	s := newTestServer(t)

	w := postWebhook(t, s, capturedEvent("evt_med", "pay_ref_med"))
	var result struct {
		EscrowID string `json:"escrowId"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &result)

	w = do(s, "POST", "/v1/escrows/"+result.EscrowID+"/dispute",
		map[string]string{"reason": "work not delivered"},
		map[string]string{"X-Caller-ID": "owner_1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 filing dispute, got %d: %s", w.Code, w.Body.String())
	}

	// Mediation is admin-only.
	w = do(s, "POST", "/v1/admin/escrows/"+result.EscrowID+"/resolve",
		map[string]string{"outcome": "favor_payer"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}

	w = do(s, "POST", "/v1/admin/escrows/"+result.EscrowID+"/resolve",
		map[string]string{"outcome": "favor_payer"},
		map[string]string{"X-Admin-Secret": "admin-secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 resolving dispute, got %d: %s", w.Code, w.Body.String())
	}
	var e struct {
		Status     string `json:"status"`
		Resolution string `json:"resolution"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	if e.Status != "refunded" || e.Resolution != "mediation_refund" {
		t.Errorf("Expected mediation refund, got status=%s resolution=%s", e.Status, e.Resolution)
	}
}

// ---------------------------------------------------------------------------
// Marketplace flow
// ---------------------------------------------------------------------------

func TestJobBidAwardFlow(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/jobs",
		map[string]string{"title": "Fix boiler"},
		map[string]string{"X-Caller-ID": "owner_9"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating job, got %d: %s", w.Code, w.Body.String())
	}
	var job struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &job)

	w = do(s, "POST", "/v1/jobs/"+job.ID+"/bids",
		map[string]any{"amountCents": 40000},
		map[string]string{"X-Caller-ID": "worker_9"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 placing bid, got %d: %s", w.Code, w.Body.String())
	}
	var bid struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &bid)

	// Only the owner can accept.
	w = do(s, "POST", fmt.Sprintf("/v1/jobs/%s/bids/%s/accept", job.ID, bid.ID), nil,
		map[string]string{"X-Caller-ID": "worker_9"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-owner accept, got %d", w.Code)
	}

	w = do(s, "POST", fmt.Sprintf("/v1/jobs/%s/bids/%s/accept", job.ID, bid.ID), nil,
		map[string]string{"X-Caller-ID": "owner_9"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 accepting bid, got %d: %s", w.Code, w.Body.String())
	}
	var awarded struct {
		Job struct {
			Status          string `json:"status"`
			AwardedWorkerID string `json:"awardedWorkerId"`
		} `json:"job"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &awarded)
	if awarded.Job.Status != "assigned" || awarded.Job.AwardedWorkerID != "worker_9" {
		t.Errorf("Unexpected award: %+v", awarded.Job)
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func TestSubscriptionsRequireCaller(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/subscriptions",
		map[string]any{"url": "https://example.com/hook", "events": []string{"escrow.released"}},
		nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without caller, got %d", w.Code)
	}

	w = do(s, "POST", "/v1/subscriptions",
		map[string]any{"url": "https://example.com/hook", "events": []string{"escrow.released"}},
		map[string]string{"X-Caller-ID": "owner_1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Secret string `json:"secret"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Secret == "" {
		t.Error("Expected the subscription secret to be returned once")
	}
}
