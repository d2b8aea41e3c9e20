// Package events delivers settlement notifications to subscriber URLs.
//
// Parties register a URL to hear about awards and escrow transitions.
// Deliveries are signed with the subscription secret so receivers can
// verify origin.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrNotFound = errors.New("subscription not found")

// Event types delivered to subscribers.
const (
	EventBidAwarded      = "bid.awarded"
	EventEscrowPending   = "escrow.pending"
	EventEscrowHeld      = "escrow.held"
	EventEscrowReleased  = "escrow.released"
	EventEscrowDisputed  = "escrow.disputed"
	EventEscrowEscalated = "escrow.escalated"
	EventEscrowRefunded  = "escrow.refunded"
	EventEscrowCancelled = "escrow.cancelled"
)

// KnownType reports whether t is a deliverable event type.
func KnownType(t string) bool {
	switch t {
	case EventBidAwarded, EventEscrowPending, EventEscrowHeld, EventEscrowReleased,
		EventEscrowDisputed, EventEscrowEscalated, EventEscrowRefunded, EventEscrowCancelled:
		return true
	}
	return false
}

// Event is the payload posted to subscriber URLs.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription is one registered delivery target.
type Subscription struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"`
	Events      []string   `json:"events"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mintenance",
	Name:      "event_deliveries_total",
	Help:      "Outbound event deliveries by result.",
}, []string{"event_type", "result"})

// Dispatcher posts events to matching subscribers.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Dispatch fans the event out to every active subscription matching its
// type. Delivery is asynchronous and best-effort; the escrow ledger is the
// source of truth, not these notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("finding subscribers for %s: %w", event.Type, err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(sub, event)
	}
	return nil
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "marshaling event failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(ctx, sub, "building request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mintenance-Event", event.Type)
	req.Header.Set("X-Mintenance-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Mintenance-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		deliveriesTotal.WithLabelValues(event.Type, "error").Inc()
		d.recordError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		deliveriesTotal.WithLabelValues(event.Type, "delivered").Inc()
		d.recordSuccess(ctx, sub)
	} else {
		deliveriesTotal.WithLabelValues(event.Type, "rejected").Inc()
		d.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Error("updating subscription after delivery failed",
			"subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Error("updating subscription after delivery error failed",
			"subscription_id", sub.ID, "error", err)
	}
}
