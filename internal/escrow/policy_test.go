package escrow

import (
	"testing"
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

func TestFeeRate(t *testing.T) {
	tests := []struct {
		tier Tier
		want int64
	}{
		{TierStandard, 1000},
		{TierTrusted, 750},
		{TierPro, 500},
		{Tier("unknown"), 1000}, // unknown tiers pay the standard rate
	}
	for _, tt := range tests {
		if got := int64(FeeRate(tt.tier)); got != tt.want {
			t.Errorf("FeeRate(%s) = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		amount int64
		want   Priority
	}{
		{100_000, PriorityHigh},
		{250_000, PriorityHigh},
		{99_999, PriorityNormal},
		{25_000, PriorityNormal},
		{24_999, PriorityLow},
		{500, PriorityLow},
	}
	for _, tt := range tests {
		if got := PriorityFor(money.Cents(tt.amount)); got != tt.want {
			t.Errorf("PriorityFor(%d) = %s, want %s", tt.amount, got, tt.want)
		}
	}
}

func TestSLAWindow(t *testing.T) {
	tests := []struct {
		p    Priority
		want time.Duration
	}{
		{PriorityHigh, 24 * time.Hour},
		{PriorityNormal, 72 * time.Hour},
		{PriorityLow, 120 * time.Hour},
	}
	for _, tt := range tests {
		if got := SLAWindow(tt.p); got != tt.want {
			t.Errorf("SLAWindow(%s) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestRaisePriorityCapsAtHigh(t *testing.T) {
	if got := RaisePriority(PriorityLow); got != PriorityNormal {
		t.Errorf("RaisePriority(low) = %s, want normal", got)
	}
	if got := RaisePriority(PriorityNormal); got != PriorityHigh {
		t.Errorf("RaisePriority(normal) = %s, want high", got)
	}
	if got := RaisePriority(PriorityHigh); got != PriorityHigh {
		t.Errorf("RaisePriority(high) = %s, want high", got)
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusHeld},
		{StatusPending, StatusCancelled},
		{StatusHeld, StatusReleased},
		{StatusHeld, StatusDisputed},
		{StatusHeld, StatusRefunded},
		{StatusHeld, StatusCancelled},
		{StatusDisputed, StatusReleased},
		{StatusDisputed, StatusRefunded},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", e.from, e.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPending, StatusReleased},
		{StatusPending, StatusDisputed},
		{StatusDisputed, StatusCancelled},
		{StatusDisputed, StatusHeld},
		{StatusReleased, StatusRefunded},
		{StatusReleased, StatusHeld},
		{StatusRefunded, StatusReleased},
		{StatusCancelled, StatusHeld},
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", e.from, e.to)
		}
	}
}
