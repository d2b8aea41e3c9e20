// Package money provides shared amount parsing and fee arithmetic.
//
// All amounts are integer minor units (cents). Fee rates are expressed in
// basis points (1 bps = 0.01%) so fee computation never touches floats.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is a monetary amount in integer minor units.
type Cents int64

// MaxAmount is the largest single escrow amount accepted (1,000,000.00).
const MaxAmount Cents = 100_000_000

// BasisPoints is a fee rate out of 10,000.
type BasisPoints int64

// Split divides amount into (fee, remainder) at the given rate.
// The fee is floored, so remainder absorbs any rounding: fee + remainder
// always equals amount exactly.
func (r BasisPoints) Split(amount Cents) (fee, remainder Cents) {
	if amount <= 0 || r <= 0 {
		return 0, amount
	}
	fee = Cents(int64(amount) * int64(r) / 10_000)
	return fee, amount - fee
}

// Valid reports whether the amount is usable for a payment (positive and
// within the platform cap).
func (a Cents) Valid() bool {
	return a > 0 && a <= MaxAmount
}

// String formats the amount as a decimal string with two places, e.g.
// 50000 -> "500.00".
func (a Cents) String() string {
	neg := a < 0
	abs := int64(a)
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		return "-" + s
	}
	return s
}

// Parse converts a decimal string (e.g. "500.00", "12.5") to Cents.
// Returns (0, false) on invalid input: negatives, more than two fractional
// digits, or anything non-numeric.
func Parse(s string) (Cents, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > 2 {
		return 0, false
	}
	for len(frac) < 2 {
		frac += "0"
	}

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return Cents(n), true
}
