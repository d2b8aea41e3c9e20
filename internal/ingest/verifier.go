package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"
)

// Verifier authenticates a raw webhook delivery before anything parses it.
// Verification failures split into ErrBadSignature, ErrReplayDetected and
// ErrMalformedPayload so the handler can answer precisely.
type Verifier interface {
	Verify(payload []byte, sigHeader string) error
}

// StripeVerifier checks Stripe-Signature headers using the official SDK's
// constant-time scheme, including its timestamp tolerance.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for Stripe-signed deliveries.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

func (v *StripeVerifier) Verify(payload []byte, sigHeader string) error {
	err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, v.secret, v.tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrReplayDetected, err)
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader):
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}

// HMACVerifier checks the generic scheme "t=<unix>,v1=<hex>" where the
// signature is HMAC-SHA256 over "<unix>.<payload>". Providers without a
// Stripe-compatible header use this.
type HMACVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACVerifier creates a generic HMAC webhook verifier.
func NewHMACVerifier(secret string, tolerance time.Duration) *HMACVerifier {
	return &HMACVerifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock overrides the verifier clock for tests.
func (v *HMACVerifier) WithClock(now func() time.Time) *HMACVerifier {
	v.now = now
	return v
}

func (v *HMACVerifier) Verify(payload []byte, sigHeader string) error {
	ts, sig, err := parseSigHeader(sigHeader)
	if err != nil {
		return err
	}

	sent := time.Unix(ts, 0)
	if d := v.now().Sub(sent); d > v.tolerance || d < -v.tolerance {
		return fmt.Errorf("%w: event timestamp %d", ErrReplayDetected, ts)
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces a header this verifier accepts. Used by outbound tooling
// and tests.
func (v *HMACVerifier) Sign(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(v.secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func parseSigHeader(header string) (ts int64, sig string, err error) {
	if header == "" {
		return 0, "", fmt.Errorf("%w: missing signature header", ErrMalformedPayload)
	}
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad timestamp in signature header", ErrMalformedPayload)
			}
		case "v1":
			sig = val
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("%w: signature header needs t and v1", ErrMalformedPayload)
	}
	return ts, sig, nil
}
