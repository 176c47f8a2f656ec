package money

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MicrosPerUSD defines the fixed-point precision for monetary values.
// Amounts are stored as integer micro-dollars (1 USD = 1,000,000 micros),
// which keeps per-call costs exact across millions of small increments and
// leaves int64 headroom of roughly $9.2 trillion for accumulated windows.
const MicrosPerUSD = 1_000_000

// microExponent is the decimal exponent corresponding to MicrosPerUSD.
const microExponent = -6

// Amount is a monetary amount in micro-USD.
//
// All budget arithmetic in the gateway uses Amount so that accumulated
// spending never passes through float64. Conversions to and from decimal
// strings go through shopspring/decimal and are exact; conversions to
// float64 exist only for display and metrics.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// FromUSD converts a float64 USD value to an Amount, rounding to the
// nearest micro-dollar. Use Parse for exact conversion of config strings.
func FromUSD(usd float64) Amount {
	return Amount(math.Round(usd * MicrosPerUSD))
}

// FromMicros constructs an Amount from a raw micro-dollar count.
// This is the inverse of Micros and is used by storage backends that
// persist amounts as integers.
func FromMicros(micros int64) Amount {
	return Amount(micros)
}

// Parse converts a decimal USD string (e.g. "12.50") to an Amount.
// The conversion is exact: values with more than six fractional digits
// are rejected rather than silently rounded.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	micros := d.Shift(-microExponent)
	if !micros.IsInteger() {
		return 0, fmt.Errorf("invalid amount %q: more than 6 decimal places", s)
	}
	if !micros.BigInt().IsInt64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}

	return Amount(micros.IntPart()), nil
}

// MustParse is like Parse but panics on error. For use in tests and
// package-level declarations with known-good literals.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Micros returns the raw micro-dollar count.
func (a Amount) Micros() int64 {
	return int64(a)
}

// USD returns the amount as float64 dollars for display and metrics.
func (a Amount) USD() float64 {
	return float64(a) / MicrosPerUSD
}

// Decimal returns the amount as an exact decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), microExponent)
}

// String formats the amount as a USD string with six decimal places.
func (a Amount) String() string {
	return "$" + a.Decimal().StringFixed(6)
}

// Add returns a + other.
func (a Amount) Add(other Amount) Amount {
	return a + other
}

// Sub returns a - other.
func (a Amount) Sub(other Amount) Amount {
	return a - other
}

// MulInt returns the amount multiplied by an integer factor.
func (a Amount) MulInt(factor int64) Amount {
	return a * Amount(factor)
}

// Cmp compares two amounts: -1 if a < other, 0 if equal, +1 if a > other.
func (a Amount) Cmp(other Amount) int {
	switch {
	case a < other:
		return -1
	case a > other:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a == 0
}

// IsNegative reports whether the amount is negative.
func (a Amount) IsNegative() bool {
	return a < 0
}

// GreaterThan reports whether a > other.
func (a Amount) GreaterThan(other Amount) bool {
	return a > other
}

// LessThan reports whether a < other.
func (a Amount) LessThan(other Amount) bool {
	return a < other
}
