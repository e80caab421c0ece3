/*
Package money normalizes every amount the engine touches to integer centavos.

PURPOSE:
  Bills, payments, credit entries and account balances are all stored and
  added as int64 minor units. Floating point never reaches persistence.
  Values arriving from the outside (JSON numbers, decimal strings, computed
  penalties) pass through this package exactly once, at the boundary.

NORMALIZATION RULES:
  - Major-unit input ("1500.25") is multiplied by 100 with decimal math.
  - A fractional centavo smaller than Tolerance is treated as drift and
    rounded away. Anything larger is rejected with ErrFractionalCentavos.
  - Computed values (penalties, rate x quantity) use RoundMinor, which
    rounds half away from zero.

SEE ALSO:
  - billing/penalty.go: RoundMinor on accrued penalties
  - billing/distributor.go: integer-only allocation
*/
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Centavos is an amount in minor currency units (1/100 of the major unit).
type Centavos int64

// Zero is the additive identity.
const Zero Centavos = 0

// Tolerance is the largest fractional centavo accepted as float/decimal drift.
var Tolerance = decimal.New(1, -6)

var hundred = decimal.NewFromInt(100)

// ErrFractionalCentavos is returned when an input carries a real fraction of a centavo.
var ErrFractionalCentavos = errors.New("amount has fractional centavos")

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// FromMajor converts a major-unit decimal (pesos, dollars) to centavos.
func FromMajor(d decimal.Decimal) (Centavos, error) {
	return FromMinorDecimal(d.Mul(hundred))
}

// ParseMajor parses a decimal string in major units.
func ParseMajor(s string) (Centavos, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromMajor(d)
}

// FromMinorDecimal accepts a value already expressed in centavos and strips drift.
func FromMinorDecimal(d decimal.Decimal) (Centavos, error) {
	rounded := d.Round(0)
	if d.Sub(rounded).Abs().GreaterThan(Tolerance) {
		return 0, fmt.Errorf("%w: %s", ErrFractionalCentavos, d.String())
	}
	return Centavos(rounded.IntPart()), nil
}

// FromMinorFloat accepts legacy float centavo values (e.g. 100.00000000001).
func FromMinorFloat(f float64) (Centavos, error) {
	return FromMinorDecimal(decimal.NewFromFloat(f))
}

// RoundMinor rounds a computed centavo value half away from zero.
func RoundMinor(d decimal.Decimal) Centavos {
	return Centavos(d.Round(0).IntPart())
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func (c Centavos) Add(o Centavos) Centavos { return c + o }
func (c Centavos) Sub(o Centavos) Centavos { return c - o }
func (c Centavos) Neg() Centavos           { return -c }
func (c Centavos) IsZero() bool            { return c == 0 }
func (c Centavos) IsNegative() bool        { return c < 0 }
func (c Centavos) IsPositive() bool        { return c > 0 }

// Abs returns the absolute value.
func (c Centavos) Abs() Centavos {
	if c < 0 {
		return -c
	}
	return c
}

// Decimal returns the amount in centavos as a decimal.
func (c Centavos) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(c)) }

// Major returns the amount in major units.
func (c Centavos) Major() decimal.Decimal { return c.Decimal().Div(hundred) }

// String renders the major-unit amount with two decimals.
func (c Centavos) String() string { return c.Major().StringFixed(2) }

// Min returns the smaller amount.
func Min(a, b Centavos) Centavos {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger amount.
func Max(a, b Centavos) Centavos {
	if a > b {
		return a
	}
	return b
}

// Sum adds all amounts.
func Sum(values ...Centavos) Centavos {
	var total Centavos
	for _, v := range values {
		total += v
	}
	return total
}

// WithinTolerance reports whether a and b differ by at most tol centavos.
func WithinTolerance(a, b, tol Centavos) bool {
	return a.Sub(b).Abs() <= tol
}

// =============================================================================
// JSON
// =============================================================================

// UnmarshalJSON accepts integers and legacy float centavo values with drift.
func (c *Centavos) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("centavos: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*c = Centavos(i)
		return nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return fmt.Errorf("centavos: %w", err)
	}
	v, err := FromMinorDecimal(d)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
