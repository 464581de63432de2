// Package money provides arbitrary-precision decimal arithmetic for trade
// amounts, commissions, and chain balances. All amounts that cross a
// component boundary are canonical decimal strings; Decimal is the only
// type allowed to do arithmetic on them.
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimal wraps shopspring/decimal with the rounding policy this broker
// requires everywhere: round down, never up, never to nearest. Floating
// point is never used for amounts.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

// Parse parses a canonical decimal string (e.g. "1.0030"). An empty or
// malformed string is an error, never silently coerced to zero.
func Parse(s string) (Decimal, error) {
	if s == "" {
		return Zero, fmt.Errorf("money: empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Decimal{d: d}, nil
}

// MustParse parses or panics; only for literals in tests and constants.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt64 builds a Decimal from a whole number of base units.
func FromInt64(v int64) Decimal {
	return Decimal{d: decimal.NewFromInt(v)}
}

// String renders the canonical decimal string form.
func (d Decimal) String() string {
	return d.d.String()
}

func (d Decimal) Add(o Decimal) Decimal { return Decimal{d: d.d.Add(o.d)} }
func (d Decimal) Sub(o Decimal) Decimal { return Decimal{d: d.d.Sub(o.d)} }
func (d Decimal) Mul(o Decimal) Decimal { return Decimal{d: d.d.Mul(o.d)} }

// Cmp returns -1, 0, 1 as d is less than, equal to, or greater than o.
func (d Decimal) Cmp(o Decimal) int { return d.d.Cmp(o.d) }

func (d Decimal) GreaterThanOrEqual(o Decimal) bool { return d.Cmp(o) >= 0 }
func (d Decimal) GreaterThan(o Decimal) bool        { return d.Cmp(o) > 0 }
func (d Decimal) LessThan(o Decimal) bool           { return d.Cmp(o) < 0 }
func (d Decimal) IsZero() bool                      { return d.d.IsZero() }
func (d Decimal) IsNegative() bool                  { return d.d.Sign() < 0 }
func (d Decimal) IsPositive() bool                  { return d.d.Sign() > 0 }

// FloorToDecimals rounds down (never up) to the asset's number of decimal
// places. Used for commission amounts so a commission never exceeds the
// surplus it is carved from.
func (d Decimal) FloorToDecimals(decimals int32) Decimal {
	return Decimal{d: d.d.Truncate(decimals)}
}

// BPS applies basis points (1 bps = 0.01%) to d, floored to decimals.
// commission = floor(amount * bps / 10000).
func (d Decimal) BPS(bps int64, decimals int32) Decimal {
	num := d.d.Mul(decimal.NewFromInt(bps))
	quotient := num.DivRound(decimal.NewFromInt(10000), decimals+8)
	return Decimal{d: quotient.Truncate(decimals)}
}

// ToBaseUnits shifts d left by decimals and truncates to an integer,
// the representation account-based chains move on the wire (e.g. wei for
// an 18-decimal ERC20, satoshis for an 8-decimal UTXO asset).
func (d Decimal) ToBaseUnits(decimals int32) *big.Int {
	shifted := d.d.Shift(decimals).Truncate(0)
	return shifted.BigInt()
}

// FromBaseUnits builds a Decimal from an integer count of base units,
// shifting right by decimals.
func FromBaseUnits(v *big.Int, decimals int32) Decimal {
	return Decimal{d: decimal.NewFromBigInt(v, -decimals)}
}

// Sum totals a slice of Decimals; the empty sum is Zero.
func Sum(ds []Decimal) Decimal {
	total := Zero
	for _, v := range ds {
		total = total.Add(v)
	}
	return total
}
