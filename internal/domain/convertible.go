package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// InstrumentKind distinguishes SAFEs from convertible notes.
type InstrumentKind string

const (
	InstrumentSAFE InstrumentKind = "safe"
	InstrumentNote InstrumentKind = "note"
)

// InterestMode selects how note interest accrues.
type InterestMode string

const (
	// InterestSimple accrues principal * rate * days/365.
	InterestSimple InterestMode = "simple"
	// InterestCompound compounds annually; a partial final year accrues simply.
	InterestCompound InterestMode = "compound"
)

// InstrumentStatus is the one-way lifecycle of a convertible.
type InstrumentStatus string

const (
	InstrumentOutstanding InstrumentStatus = "outstanding"
	InstrumentConverted   InstrumentStatus = "converted"
	InstrumentCancelled   InstrumentStatus = "cancelled"
)

var instrumentTransitions = map[InstrumentStatus][]InstrumentStatus{
	InstrumentOutstanding: {InstrumentConverted, InstrumentCancelled},
}

// CanTransition reports whether the transition table allows s -> to.
func (s InstrumentStatus) CanTransition(to InstrumentStatus) bool {
	for _, next := range instrumentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ConvertibleInstrument is a SAFE or note that converts into shares at a priced round.
// A zero cap or discount means the term is absent.
type ConvertibleInstrument struct {
	ID                string           `json:"id"`
	Kind              InstrumentKind   `json:"kind"`
	Name              string           `json:"name,omitempty"`
	HolderWallet      string           `json:"holder_wallet"`
	PrincipalCents    int64            `json:"principal_cents"`
	ValuationCapCents int64            `json:"valuation_cap_cents,omitempty"`
	DiscountRate      decimal.Decimal  `json:"discount_rate"`
	InterestRate      decimal.Decimal  `json:"interest_rate"`
	InterestMode      InterestMode     `json:"interest_mode,omitempty"`
	IssuedAt          time.Time        `json:"issued_at"`
	Status            InstrumentStatus `json:"status"`
	ScheduledRoundID  string           `json:"scheduled_round_id,omitempty"`
	Conversion        *ConversionTerms `json:"conversion,omitempty"`
}

// ConversionTerms records how an instrument converted.
type ConversionTerms struct {
	RoundID         string          `json:"round_id"`
	SharesReceived  int64           `json:"shares_received"`
	ConversionPrice decimal.Decimal `json:"conversion_price"`
	AmountCents     int64           `json:"amount_cents"`
	InterestCents   int64           `json:"interest_cents,omitempty"`
	ResidueCents    decimal.Decimal `json:"residue_cents"`
	Sequence        uint64          `json:"sequence"`
}

// HasCap reports whether a valuation cap applies.
func (c *ConvertibleInstrument) HasCap() bool { return c.ValuationCapCents > 0 }

// HasDiscount reports whether a discount applies.
func (c *ConvertibleInstrument) HasDiscount() bool { return c.DiscountRate.IsPositive() }

// Validate checks the instrument terms.
func (c *ConvertibleInstrument) Validate() error {
	switch c.Kind {
	case InstrumentSAFE:
		if !c.InterestRate.IsZero() {
			return &SchemaError{Field: "instrument.interest_rate", Reason: "applies to notes only"}
		}
	case InstrumentNote:
		if c.InterestRate.IsNegative() {
			return &SchemaError{Field: "instrument.interest_rate", Reason: "must not be negative"}
		}
		switch c.InterestMode {
		case "", InterestSimple, InterestCompound:
		default:
			return &SchemaError{Field: "instrument.interest_mode", Reason: "must be simple or compound"}
		}
	default:
		return &SchemaError{Field: "instrument.kind", Reason: "must be safe or note"}
	}
	if c.HolderWallet == "" {
		return &SchemaError{Field: "instrument.holder_wallet", Reason: "is required"}
	}
	if c.PrincipalCents <= 0 {
		return &SchemaError{Field: "instrument.principal_cents", Reason: "must be positive"}
	}
	if c.ValuationCapCents < 0 {
		return &SchemaError{Field: "instrument.valuation_cap_cents", Reason: "must not be negative"}
	}
	if c.DiscountRate.IsNegative() || c.DiscountRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &SchemaError{Field: "instrument.discount_rate", Reason: "must be in [0, 1)"}
	}
	return nil
}

// Transition moves the instrument along the one-way table.
func (c *ConvertibleInstrument) Transition(to InstrumentStatus) error {
	if !c.Status.CanTransition(to) {
		return errors.Wrapf(ErrIllegalTransition, "instrument %s: %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	return nil
}

// Clone copies the instrument.
func (c *ConvertibleInstrument) Clone() *ConvertibleInstrument {
	cp := *c
	if c.Conversion != nil {
		conv := *c.Conversion
		cp.Conversion = &conv
	}
	return &cp
}

// MarkConverted records the conversion outcome and moves the instrument to converted.
func (c *ConvertibleInstrument) MarkConverted(terms ConversionTerms) error {
	if err := c.Transition(InstrumentConverted); err != nil {
		return err
	}
	c.ScheduledRoundID = terms.RoundID
	c.Conversion = &terms
	return nil
}
