package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RoundStatus is the lifecycle state of a funding round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundClosed    RoundStatus = "closed"
	RoundCancelled RoundStatus = "cancelled"
)

var roundTransitions = map[RoundStatus][]RoundStatus{
	RoundPending: {RoundClosed, RoundCancelled},
}

// CanTransition reports whether the transition table allows s -> to.
func (s RoundStatus) CanTransition(to RoundStatus) bool {
	for _, next := range roundTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Investment is a commitment accumulated into a pending round.
type Investment struct {
	ID             string    `json:"id"`
	InvestorWallet string    `json:"investor_wallet"`
	AmountCents    int64     `json:"amount_cents"`
	CreatedAt      time.Time `json:"created_at"`
}

// IssuanceRecord is the share issuance one investment received at close. ResidueCents
// is the part of the investment not covered by whole shares.
type IssuanceRecord struct {
	InvestmentID   string          `json:"investment_id"`
	InvestorWallet string          `json:"investor_wallet"`
	AmountCents    int64           `json:"amount_cents"`
	Shares         int64           `json:"shares"`
	ResidueCents   decimal.Decimal `json:"residue_cents"`
	Sequence       uint64          `json:"sequence"`
}

// RoundTerms is fixed when a round closes.
type RoundTerms struct {
	PricePerShare     Price            `json:"price_per_share"`
	PreRoundShares    int64            `json:"pre_round_shares"`
	AmountRaisedCents int64            `json:"amount_raised_cents"`
	PostMoneyCents    int64            `json:"post_money_cents"`
	ClosedAt          time.Time        `json:"closed_at"`
	ClosedSequence    uint64           `json:"closed_sequence"`
	Issuances         []IssuanceRecord `json:"issuances,omitempty"`
}

// ResidueCents sums the residues of every issuance.
func (t *RoundTerms) ResidueCents() decimal.Decimal {
	total := decimal.Zero
	for _, is := range t.Issuances {
		total = total.Add(is.ResidueCents)
	}
	return total
}

// FundingRound accumulates investments until it is closed or cancelled.
type FundingRound struct {
	ID                     string       `json:"id"`
	Name                   string       `json:"name"`
	ShareClass             string       `json:"share_class"`
	PreMoneyValuationCents int64        `json:"pre_money_valuation_cents"`
	Status                 RoundStatus  `json:"status"`
	Investments            []Investment `json:"investments"`
	OpenedAt               time.Time    `json:"opened_at"`
	Terms                  *RoundTerms  `json:"terms,omitempty"`
}

// Validate checks the attributes required to open a round.
func (r *FundingRound) Validate() error {
	if r.ShareClass == "" {
		return &SchemaError{Field: "round.share_class", Reason: "is required"}
	}
	if r.PreMoneyValuationCents <= 0 {
		return &SchemaError{Field: "round.pre_money_valuation_cents", Reason: "must be positive"}
	}
	return nil
}

// TotalRaised sums all investments.
func (r *FundingRound) TotalRaised() int64 {
	var total int64
	for _, inv := range r.Investments {
		total += inv.AmountCents
	}
	return total
}

// Transition moves the round along the transition table.
func (r *FundingRound) Transition(to RoundStatus) error {
	if !r.Status.CanTransition(to) {
		return errors.Wrapf(ErrIllegalTransition, "round %s: %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}

// AddInvestment appends a commitment while the round is pending.
func (r *FundingRound) AddInvestment(inv Investment) error {
	if r.Status != RoundPending {
		return errors.Wrapf(ErrIllegalTransition, "round %s is %s, investments are closed", r.ID, r.Status)
	}
	if inv.InvestorWallet == "" {
		return &SchemaError{Field: "investment.investor_wallet", Reason: "is required"}
	}
	if inv.AmountCents <= 0 {
		return &SchemaError{Field: "investment.amount_cents", Reason: "must be positive"}
	}
	r.Investments = append(r.Investments, inv)
	return nil
}

// RemoveInvestment drops a commitment while the round is pending.
func (r *FundingRound) RemoveInvestment(id string) error {
	if r.Status != RoundPending {
		return errors.Wrapf(ErrIllegalTransition, "round %s is %s, investments are closed", r.ID, r.Status)
	}
	for i, inv := range r.Investments {
		if inv.ID == id {
			r.Investments = append(r.Investments[:i:i], r.Investments[i+1:]...)
			return nil
		}
	}
	return NotFoundError("investment %s in round %s", id, r.ID)
}

// Clone copies the round so callers can mutate it without touching shared state.
func (r *FundingRound) Clone() *FundingRound {
	c := *r
	c.Investments = append([]Investment(nil), r.Investments...)
	if r.Terms != nil {
		terms := *r.Terms
		terms.Issuances = append([]IssuanceRecord(nil), r.Terms.Issuances...)
		c.Terms = &terms
	}
	return &c
}

// ExactPrice recomputes the closing price from the recorded terms.
func (r *FundingRound) ExactPrice() (Price, error) {
	if r.Terms == nil {
		return Price{}, PolicyError("round %s has no pricing until it is closed", r.ID)
	}
	return NewPrice(r.PreMoneyValuationCents, r.Terms.PreRoundShares)
}

// MarkClosed records the closing terms and moves the round to closed.
func (r *FundingRound) MarkClosed(terms RoundTerms) error {
	if err := r.Transition(RoundClosed); err != nil {
		return err
	}
	r.Terms = &terms
	return nil
}
