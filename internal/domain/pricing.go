package domain

import (
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"
)

// displayPlaces is how many decimal places prices and residues keep when rendered.
const displayPlaces = 8

// Price is an exact cents-per-share ratio. Share counts derived from it are floored;
// the decimal form is only for display.
type Price struct {
	r *big.Rat
}

// NewPrice returns valuationCents / shares. shares must be positive.
func NewPrice(valuationCents, shares int64) (Price, error) {
	if shares <= 0 {
		return Price{}, PolicyError("price per share needs a positive share count, got %d", shares)
	}
	if valuationCents <= 0 {
		return Price{}, PolicyError("price per share needs a positive valuation, got %d", valuationCents)
	}
	return Price{r: new(big.Rat).SetFrac(big.NewInt(valuationCents), big.NewInt(shares))}, nil
}

// PriceFromDecimal wraps an already known price.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price{r: d.Rat()}
}

// IsZero reports whether the price is unset or zero.
func (p Price) IsZero() bool {
	return p.r == nil || p.r.Sign() == 0
}

// Scale multiplies the price by factor (e.g. 1 - discount).
func (p Price) Scale(factor decimal.Decimal) Price {
	if p.r == nil {
		return p
	}
	return Price{r: new(big.Rat).Mul(p.r, factor.Rat())}
}

// Less reports p < o.
func (p Price) Less(o Price) bool {
	return p.rat().Cmp(o.rat()) < 0
}

// Decimal renders the price rounded to displayPlaces.
func (p Price) Decimal() decimal.Decimal {
	if p.r == nil {
		return decimal.Zero
	}
	return ratToDecimal(p.r)
}

// SharesFor floors amountCents / p. The residue is the cents not covered by whole shares.
func (p Price) SharesFor(amountCents int64) (int64, decimal.Decimal) {
	if p.IsZero() || amountCents <= 0 {
		return 0, decimal.NewFromInt(amountCents)
	}
	q := new(big.Rat).Quo(new(big.Rat).SetInt64(amountCents), p.r)
	shares := new(big.Int).Quo(q.Num(), q.Denom())
	spent := new(big.Rat).Mul(new(big.Rat).SetInt(shares), p.r)
	residue := new(big.Rat).Sub(new(big.Rat).SetInt64(amountCents), spent)
	return shares.Int64(), ratToDecimal(residue)
}

// ValueOf returns floor(shares * p) in cents.
func (p Price) ValueOf(shares int64) int64 {
	if p.r == nil {
		return 0
	}
	v := new(big.Rat).Mul(new(big.Rat).SetInt64(shares), p.r)
	return new(big.Int).Quo(v.Num(), v.Denom()).Int64()
}

func (p Price) rat() *big.Rat {
	if p.r == nil {
		return new(big.Rat)
	}
	return p.r
}

// MarshalJSON encodes the display decimal.
func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Decimal())
}

// UnmarshalJSON accepts a decimal string or number.
func (p *Price) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*p = PriceFromDecimal(d)
	return nil
}

func ratToDecimal(r *big.Rat) decimal.Decimal {
	num := decimal.NewFromBigInt(r.Num(), 0)
	den := decimal.NewFromBigInt(r.Denom(), 0)
	return num.DivRound(den, displayPlaces)
}

// FloorMul returns floor(cents * factor), used for preference and interest amounts.
func FloorMul(cents int64, factor decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(factor).Floor().IntPart()
}

// Percent returns part/whole*100 rounded to displayPlaces, zero when whole is zero.
func Percent(part, whole int64) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).Mul(decimal.NewFromInt(100)).DivRound(decimal.NewFromInt(whole), displayPlaces)
}
