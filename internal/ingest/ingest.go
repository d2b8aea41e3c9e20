// Package ingest receives payment provider webhooks and turns them into
// escrow effects.
//
// Every delivery is verified, parsed, and applied exactly once: the
// idempotency record for an event commits with its effect, and a
// re-delivered event acknowledges without re-applying anything.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/escrow"
	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

var (
	ErrMalformedPayload = errors.New("webhook payload is malformed")
	ErrReplayDetected   = errors.New("webhook timestamp outside replay tolerance")
	ErrBadSignature     = errors.New("webhook signature verification failed")
)

// Event types accepted from the payment provider.
const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
)

// Event is the provider-neutral envelope every delivery parses into.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PaymentData carries the payment fields for authorized/captured events.
type PaymentData struct {
	PaymentReferenceID string      `json:"paymentReferenceId"`
	JobID              string      `json:"jobId"`
	PayerID            string      `json:"payerId"`
	PayeeID            string      `json:"payeeId"`
	AmountCents        money.Cents `json:"amountCents"`
	PayeeTier          string      `json:"payeeTier"`
}

// FailureData carries the fields for payment.failed events.
type FailureData struct {
	PaymentReferenceID string `json:"paymentReferenceId"`
	Reason             string `json:"reason,omitempty"`
}

// ParseEvent decodes and validates a webhook body. Unknown event types are
// malformed: acknowledging them would record effects we never applied.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrMalformedPayload)
	}
	switch ev.Type {
	case EventPaymentAuthorized, EventPaymentCaptured, EventPaymentFailed:
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedPayload, ev.Type)
	}
	return &ev, nil
}

// paymentData extracts and validates the payment fields.
func (ev *Event) paymentData() (*PaymentData, error) {
	var d PaymentData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if d.PaymentReferenceID == "" || d.JobID == "" || d.PayerID == "" || d.PayeeID == "" {
		return nil, fmt.Errorf("%w: payment data missing identifiers", ErrMalformedPayload)
	}
	if !d.AmountCents.Valid() {
		return nil, fmt.Errorf("%w: amount out of range", ErrMalformedPayload)
	}
	return &d, nil
}

func (ev *Event) failureData() (*FailureData, error) {
	var d FailureData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if d.PaymentReferenceID == "" {
		return nil, fmt.Errorf("%w: failure data missing payment reference", ErrMalformedPayload)
	}
	return &d, nil
}

func (d *PaymentData) createParams() escrow.CreateParams {
	return escrow.CreateParams{
		PaymentReferenceID: d.PaymentReferenceID,
		JobID:              d.JobID,
		PayerID:            d.PayerID,
		PayeeID:            d.PayeeID,
		Amount:             d.AmountCents,
		PayeeTier:          escrow.Tier(d.PayeeTier),
	}
}
