package math

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits carried by every fixed-point
// quantity (exchange rates, indices, prices, factors, rates).
const Decimals = 18

var (
	// Scale is 10^18, the fixed-point unit.
	Scale = *uint256.NewInt(1_000_000_000_000_000_000)

	// MaxAmount bounds user-supplied amounts and share counts (2^128 - 1) so
	// that products with SCALE-denominated values stay inside 256 bits.
	MaxAmount = maxAmount()

	// Infinite is the sentinel for "unbounded" (health factor with no debt,
	// uncapped capacities, repay-all requests).
	Infinite = *new(uint256.Int).SetAllOne()

	zero = uint256.Int{}
	one  = *uint256.NewInt(1)
)

func maxAmount() uint256.Int {
	var v uint256.Int
	v.Lsh(uint256.NewInt(1), 128)
	v.Sub(&v, uint256.NewInt(1))
	return v
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfEven
)

// U returns v as a 256-bit value.
func U(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// Zero returns 0.
func Zero() uint256.Int {
	return zero
}

// Units returns v whole units in SCALE precision (v * 10^18).
func Units(v uint64) uint256.Int {
	return Mul(U(v), Scale)
}

// Fraction returns num/den in SCALE precision, rounded down.
func Fraction(num, den uint64) uint256.Int {
	return MulDiv(U(num), Scale, U(den), RoundDown)
}

// Parse reads a base-10 integer string. Negative, fractional and
// out-of-range inputs are rejected.
func Parse(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zero, fmt.Errorf("empty amount")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return *v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseDecimal reads a human decimal ("1.1", "0.75") into SCALE precision,
// truncating digits beyond 18 places.
func ParseDecimal(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		digits = "0"
	}
	return Parse(digits)
}

func String(v uint256.Int) string {
	return v.Dec()
}

func Add(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.AddOverflow(&a, &b); overflow {
		panic(fmt.Sprintf("fixed-point overflow: %s + %s", a.Dec(), b.Dec()))
	}
	return z
}

// Sub panics when b > a; callers compare first or use SubFloor.
func Sub(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	if _, underflow := z.SubOverflow(&a, &b); underflow {
		panic(fmt.Sprintf("fixed-point underflow: %s - %s", a.Dec(), b.Dec()))
	}
	return z
}

// SubFloor returns max(a - b, 0).
func SubFloor(a, b uint256.Int) uint256.Int {
	if a.Cmp(&b) <= 0 {
		return zero
	}
	var z uint256.Int
	z.Sub(&a, &b)
	return z
}

func Mul(a, b uint256.Int) uint256.Int {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&a, &b); overflow {
		panic(fmt.Sprintf("fixed-point overflow: %s * %s", a.Dec(), b.Dec()))
	}
	return z
}

// MulFits returns a*b and whether the product fits in 256 bits.
func MulFits(a, b uint256.Int) (uint256.Int, bool) {
	var z uint256.Int
	_, overflow := z.MulOverflow(&a, &b)
	return z, !overflow
}

// MulDiv computes a*b/d with a 512-bit intermediate product.
func MulDiv(a, b, d uint256.Int, mode RoundingMode) uint256.Int {
	if d.IsZero() {
		panic("fixed-point division by zero")
	}
	var q uint256.Int
	if _, overflow := q.MulDivOverflow(&a, &b, &d); overflow {
		panic(fmt.Sprintf("fixed-point overflow: %s * %s / %s", a.Dec(), b.Dec(), d.Dec()))
	}
	if mode == RoundDown {
		return q
	}

	var rem uint256.Int
	rem.MulMod(&a, &b, &d)
	if rem.IsZero() {
		return q
	}

	switch mode {
	case RoundUp:
		return Add(q, one)
	case RoundHalfEven:
		var rest uint256.Int
		rest.Sub(&d, &rem)
		c := rem.Cmp(&rest)
		if c > 0 || (c == 0 && q[0]&1 == 1) {
			return Add(q, one)
		}
	}
	return q
}

// MulScale computes a*b/SCALE.
func MulScale(a, b uint256.Int, mode RoundingMode) uint256.Int {
	return MulDiv(a, b, Scale, mode)
}

// DivScale computes a*SCALE/b.
func DivScale(a, b uint256.Int, mode RoundingMode) uint256.Int {
	return MulDiv(a, Scale, b, mode)
}

func Min(a, b uint256.Int) uint256.Int {
	if a.Cmp(&b) <= 0 {
		return a
	}
	return b
}

func Max(a, b uint256.Int) uint256.Int {
	if a.Cmp(&b) >= 0 {
		return a
	}
	return b
}

func Lt(a, b uint256.Int) bool  { return a.Cmp(&b) < 0 }
func Lte(a, b uint256.Int) bool { return a.Cmp(&b) <= 0 }
func Gt(a, b uint256.Int) bool  { return a.Cmp(&b) > 0 }
func Gte(a, b uint256.Int) bool { return a.Cmp(&b) >= 0 }
func Eq(a, b uint256.Int) bool  { return a.Cmp(&b) == 0 }

func IsZero(a uint256.Int) bool { return a.IsZero() }

// ValidAmount reports whether a is a usable positive amount.
func ValidAmount(a uint256.Int) bool {
	return !a.IsZero() && Lte(a, MaxAmount)
}
