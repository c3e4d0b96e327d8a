// Package money keeps payment amounts as integer minor units. Conversion to and
// from decimal text only happens at the edges (HTTP bodies, processor payloads).
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const scale = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")

	maxCents = decimal.NewFromInt(math.MaxInt64)
)

// Cents is an amount expressed in hundredths of the currency unit.
type Cents int64

// Parse reads a decimal string such as "19.90".
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return FromDecimal(d)
}

// FromDecimal rounds half-to-even to two places before converting.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	shifted := d.RoundBank(scale).Shift(scale)
	if shifted.Abs().GreaterThan(maxCents) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d.String())
	}
	return Cents(shifted.IntPart()), nil
}

func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -scale)
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(scale)
}

// MarshalJSON writes a bare JSON number with exactly two fractional digits.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (c *Cents) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
