// Package money centralizes monetary arithmetic for the ledger.
// All amount math goes through this package - never native floats.
// Division carries 28 decimal digits and uses banker's rounding.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal digits carried by division results.
const Precision = 28

// Amount is an arbitrary-precision decimal amount.
type Amount = decimal.Decimal

func init() {
	decimal.DivisionPrecision = Precision
}

// Zero returns the zero amount.
func Zero() Amount {
	return decimal.Zero
}

// Parse parses a decimal string into an Amount.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse parses a decimal string and panics on failure.
// Only for compile-time constants and tests.
func MustParse(s string) Amount {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt returns an Amount from an integer.
func FromInt(n int64) Amount {
	return decimal.NewFromInt(n)
}

// Add returns a + b.
func Add(a, b Amount) Amount {
	return a.Add(b)
}

// Sub returns a - b.
func Sub(a, b Amount) Amount {
	return a.Sub(b)
}

// Mul returns a * b.
func Mul(a, b Amount) Amount {
	return a.Mul(b)
}

// Div returns a / b with Precision digits and banker's rounding.
// Division by zero panics; callers guard with IsZero.
func Div(a, b Amount) Amount {
	return a.Div(b).RoundBank(Precision)
}

// Abs returns the absolute value of a.
func Abs(a Amount) Amount {
	return a.Abs()
}

// IsZero reports whether a is zero.
func IsZero(a Amount) bool {
	return a.IsZero()
}

// IsPositive reports whether a > 0.
func IsPositive(a Amount) bool {
	return a.IsPositive()
}

// LessThan reports whether a < b.
func LessThan(a, b Amount) bool {
	return a.LessThan(b)
}

// LessThanOrEqual reports whether a <= b.
func LessThanOrEqual(a, b Amount) bool {
	return a.LessThanOrEqual(b)
}

// GreaterThan reports whether a > b.
func GreaterThan(a, b Amount) bool {
	return a.GreaterThan(b)
}

// Equal reports whether a == b numerically.
func Equal(a, b Amount) bool {
	return a.Equal(b)
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ToFixed formats a with exactly n decimal places, banker's rounded.
func ToFixed(a Amount, n int32) string {
	return a.RoundBank(n).StringFixed(n)
}

// Float returns a float64 approximation. Display and scoring only -
// never feed the result back into amount arithmetic.
func Float(a Amount) float64 {
	f, _ := a.Float64()
	return f
}
