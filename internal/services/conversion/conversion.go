// Package conversion resolves how many shares a SAFE or convertible note receives at a
// priced round.
package conversion

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
)

const daysPerYear = 365

// RoundTerms are the round figures a conversion is priced against.
type RoundTerms struct {
	RoundID              string
	PricePerShare        domain.Price
	PreRoundFullyDiluted int64
	ClosedAt             time.Time
}

// Policy tightens what the resolver accepts.
type Policy struct {
	// RequireTerms rejects instruments with neither a cap nor a discount.
	RequireTerms bool
}

// Result describes a resolved conversion. ResidueCents is the part of AmountCents not
// covered by whole shares; it is forfeited by the holder and reported here.
type Result struct {
	Shares          int64           `json:"shares"`
	ConversionPrice domain.Price    `json:"conversion_price"`
	AmountCents     int64           `json:"amount_cents"`
	InterestCents   int64           `json:"interest_cents"`
	ResidueCents    decimal.Decimal `json:"residue_cents"`
	UsedCap         bool            `json:"used_cap"`
	UsedDiscount    bool            `json:"used_discount"`
}

// Resolve prices the instrument against the round. The conversion price is the lower of
// the cap price (cap / pre-round fully diluted shares) and the discounted round price;
// with neither term the round price applies. Shares are floored.
func Resolve(inst *domain.ConvertibleInstrument, round RoundTerms, policy Policy) (Result, error) {
	if inst.Status != domain.InstrumentOutstanding {
		return Result{}, domain.InvariantError("instrument %s is %s", inst.ID, inst.Status)
	}
	if err := inst.Validate(); err != nil {
		return Result{}, err
	}
	if round.PricePerShare.IsZero() {
		return Result{}, domain.PolicyError("round %s has no price per share", round.RoundID)
	}
	if policy.RequireTerms && !inst.HasCap() && !inst.HasDiscount() {
		return Result{}, domain.PolicyError("instrument %s has neither a valuation cap nor a discount", inst.ID)
	}

	price := round.PricePerShare
	var usedCap, usedDiscount bool

	if inst.HasDiscount() {
		price = round.PricePerShare.Scale(decimal.NewFromInt(1).Sub(inst.DiscountRate))
		usedDiscount = true
	}
	if inst.HasCap() {
		capPrice, err := domain.NewPrice(inst.ValuationCapCents, round.PreRoundFullyDiluted)
		if err != nil {
			return Result{}, err
		}
		if !inst.HasDiscount() || capPrice.Less(price) {
			price = capPrice
			usedCap = true
			usedDiscount = false
		}
	}

	amount := AccruedAmount(inst, round.ClosedAt)
	shares, residue := price.SharesFor(amount)

	return Result{
		Shares:          shares,
		ConversionPrice: price,
		AmountCents:     amount,
		InterestCents:   amount - inst.PrincipalCents,
		ResidueCents:    residue,
		UsedCap:         usedCap,
		UsedDiscount:    usedDiscount,
	}, nil
}

// AccruedAmount returns principal plus interest up to asOf, floored to cents. SAFEs and
// notes without a rate return the principal.
func AccruedAmount(inst *domain.ConvertibleInstrument, asOf time.Time) int64 {
	if inst.Kind != domain.InstrumentNote || !inst.InterestRate.IsPositive() {
		return inst.PrincipalCents
	}
	days := int64(asOf.Sub(inst.IssuedAt).Hours() / 24)
	if days <= 0 {
		return inst.PrincipalCents
	}

	rate := inst.InterestRate.Rat()
	one := big.NewRat(1, 1)
	total := new(big.Rat).SetInt64(inst.PrincipalCents)

	if inst.InterestMode == domain.InterestCompound {
		growth := new(big.Rat).Add(one, rate)
		for years := days / daysPerYear; years > 0; years-- {
			total.Mul(total, growth)
		}
		days %= daysPerYear
	}

	stub := new(big.Rat).Mul(rate, big.NewRat(days, daysPerYear))
	total.Mul(total, stub.Add(stub, one))

	return new(big.Int).Quo(total.Num(), total.Denom()).Int64()
}

// Event builds the ConvertibleConversion event crediting the holder with res.Shares of
// class. The converted amount becomes the position's cost basis.
func Event(inst *domain.ConvertibleInstrument, roundID, class string, res Result) (domain.Event, error) {
	e, err := domain.NewEvent(domain.KindConvertibleConversion, domain.ConversionPayload{
		InstrumentID:    inst.ID,
		RoundID:         roundID,
		ConversionPrice: res.ConversionPrice.Decimal(),
		InterestCents:   res.InterestCents,
		ResidueCents:    res.ResidueCents,
	})
	if err != nil {
		return domain.Event{}, err
	}
	e.PrimaryWallet = inst.HolderWallet
	e.ShareClass = class
	e.ShareCount = res.Shares
	e.MoneyAmountCents = res.AmountCents
	e.IdempotencyKey = "conversion/" + inst.ID
	return e, nil
}

// Terms converts a resolved conversion into the record kept on the instrument.
func Terms(roundID string, res Result, sequence uint64) domain.ConversionTerms {
	return domain.ConversionTerms{
		RoundID:         roundID,
		SharesReceived:  res.Shares,
		ConversionPrice: res.ConversionPrice.Decimal(),
		AmountCents:     res.AmountCents,
		InterestCents:   res.InterestCents,
		ResidueCents:    res.ResidueCents,
		Sequence:        sequence,
	}
}
