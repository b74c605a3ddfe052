// Package dilution projects hypothetical financing rounds onto a ledger state.
package dilution

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
)

// Round is one hypothetical financing. A zero PreMoneyValuationCents prices the round
// at the running post-money of the previous step.
type Round struct {
	Name                   string `json:"name"`
	PreMoneyValuationCents int64  `json:"pre_money_valuation_cents"`
	AmountCents            int64  `json:"amount_cents"`
}

// Request is the input to Simulate. CurrentValuationCents values the existing cap
// table; when zero, the first round's pre-money is used.
type Request struct {
	CurrentValuationCents int64   `json:"current_valuation_cents"`
	Rounds                []Round `json:"rounds"`
}

// Snapshot is the company-level picture before or after the projection.
type Snapshot struct {
	ValuationCents int64        `json:"valuation_cents"`
	TotalShares    int64        `json:"total_shares"`
	PricePerShare  domain.Price `json:"price_per_share"`
}

// HolderImpact shows how an existing holder is diluted. Percentages are in percent units.
type HolderImpact struct {
	Wallet             string          `json:"wallet"`
	Shares             int64           `json:"shares"`
	OwnershipBeforePct decimal.Decimal `json:"ownership_before_pct"`
	OwnershipAfterPct  decimal.Decimal `json:"ownership_after_pct"`
	DilutionPct        decimal.Decimal `json:"dilution_pct"`
	ValueBeforeCents   int64           `json:"value_before_cents"`
	ValueAfterCents    int64           `json:"value_after_cents"`
}

// NewInvestor is the synthetic holder created by one hypothetical round.
type NewInvestor struct {
	RoundName           string          `json:"round_name"`
	AmountInvestedCents int64           `json:"amount_invested_cents"`
	SharesReceived      int64           `json:"shares_received"`
	PricePerShare       domain.Price    `json:"price_per_share"`
	OwnershipPct        decimal.Decimal `json:"ownership_pct"`
	ResidueCents        decimal.Decimal `json:"residue_cents"`
}

// Result is the full projection.
type Result struct {
	AsOfSequence    uint64         `json:"as_of_sequence"`
	Before          Snapshot       `json:"before"`
	After           Snapshot       `json:"after"`
	ExistingHolders []HolderImpact `json:"existing_holders"`
	NewInvestors    []NewInvestor  `json:"new_investors"`
}

// Simulate runs the rounds in order against state without touching it. Each round is
// priced at pre-money / running share count, issues floor(amount / price) new shares
// and moves the running valuation to its post-money. Ownership after the projection is
// measured against the final share count for holders and new investors alike.
func Simulate(state *domain.LedgerState, req Request) (*Result, error) {
	if req.CurrentValuationCents < 0 {
		return nil, &domain.SchemaError{Field: "current_valuation_cents", Reason: "must not be negative"}
	}
	for i, r := range req.Rounds {
		if r.AmountCents <= 0 {
			return nil, &domain.SchemaError{Field: fmt.Sprintf("rounds[%d].amount_cents", i), Reason: "must be positive"}
		}
		if r.PreMoneyValuationCents < 0 {
			return nil, &domain.SchemaError{Field: fmt.Sprintf("rounds[%d].pre_money_valuation_cents", i), Reason: "must not be negative"}
		}
	}

	valuation := req.CurrentValuationCents
	if valuation == 0 && len(req.Rounds) > 0 {
		valuation = req.Rounds[0].PreMoneyValuationCents
	}

	holders := state.HolderShares()
	shares := state.TotalShares()

	res := &Result{
		AsOfSequence: state.AsOfSequence,
		Before:       snapshot(valuation, shares),
	}

	type issued struct {
		investor NewInvestor
		shares   int64
	}
	var newcomers []issued

	for i, r := range req.Rounds {
		preMoney := r.PreMoneyValuationCents
		if preMoney == 0 {
			preMoney = valuation
		}
		price, err := domain.NewPrice(preMoney, shares)
		if err != nil {
			return nil, fmt.Errorf("round %d (%s): %w", i, r.Name, err)
		}

		received, residue := price.SharesFor(r.AmountCents)
		newcomers = append(newcomers, issued{
			investor: NewInvestor{
				RoundName:           r.Name,
				AmountInvestedCents: r.AmountCents,
				SharesReceived:      received,
				PricePerShare:       price,
				ResidueCents:        residue,
			},
			shares: received,
		})

		shares += received
		valuation = preMoney + r.AmountCents
	}

	res.After = snapshot(valuation, shares)

	wallets := make([]string, 0, len(holders))
	for w := range holders {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)

	for _, w := range wallets {
		held := holders[w]
		before := domain.Percent(held, res.Before.TotalShares)
		after := domain.Percent(held, shares)
		res.ExistingHolders = append(res.ExistingHolders, HolderImpact{
			Wallet:             w,
			Shares:             held,
			OwnershipBeforePct: before,
			OwnershipAfterPct:  after,
			DilutionPct:        before.Sub(after),
			ValueBeforeCents:   res.Before.PricePerShare.ValueOf(held),
			ValueAfterCents:    res.After.PricePerShare.ValueOf(held),
		})
	}

	for _, n := range newcomers {
		n.investor.OwnershipPct = domain.Percent(n.shares, shares)
		res.NewInvestors = append(res.NewInvestors, n.investor)
	}

	return res, nil
}

func snapshot(valuation, shares int64) Snapshot {
	s := Snapshot{ValuationCents: valuation, TotalShares: shares}
	if price, err := domain.NewPrice(valuation, shares); err == nil {
		s.PricePerShare = price
	}
	return s
}
