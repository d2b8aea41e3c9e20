package escrow

import (
	"time"

	"github.com/Mintenance-LTD/mintenance-sub002/internal/money"
)

// Tier is the payee trust tier. Higher-trust workers pay a lower platform
// fee and get a shorter auto-release window.
type Tier string

const (
	TierStandard Tier = "standard"
	TierTrusted  Tier = "trusted"
	TierPro      Tier = "pro"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierStandard, TierTrusted, TierPro:
		return true
	}
	return false
}

// FeeRate returns the platform fee for the tier in basis points.
func FeeRate(t Tier) money.BasisPoints {
	switch t {
	case TierPro:
		return 500
	case TierTrusted:
		return 750
	default:
		return 1000
	}
}

// ReleaseWindow returns how long funds stay held before auto-release.
func ReleaseWindow(t Tier) time.Duration {
	switch t {
	case TierPro:
		return 24 * time.Hour
	case TierTrusted:
		return 72 * time.Hour
	default:
		return 168 * time.Hour
	}
}

// Dispute amount thresholds in cents.
const (
	highPriorityAmount   money.Cents = 100_000
	normalPriorityAmount money.Cents = 25_000
)

// PriorityFor classifies a dispute by the amount at stake.
func PriorityFor(amount money.Cents) Priority {
	switch {
	case amount >= highPriorityAmount:
		return PriorityHigh
	case amount >= normalPriorityAmount:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// SLAWindow returns how long mediation has to decide a dispute of the
// given priority before the sweeper escalates it.
func SLAWindow(p Priority) time.Duration {
	switch p {
	case PriorityHigh:
		return 24 * time.Hour
	case PriorityNormal:
		return 72 * time.Hour
	default:
		return 120 * time.Hour
	}
}

// escalationRaiseThreshold is the escalation level at which a dispute's
// priority is raised one step.
const escalationRaiseThreshold = 2

// RaisePriority returns the next priority up, capped at high.
func RaisePriority(p Priority) Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	default:
		return PriorityHigh
	}
}
