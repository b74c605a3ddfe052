package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/dilution"
	"github.com/vadiminshakov/capledger/internal/services/waterfall"
)

// Waterfall distributes exitCents against the state at cutoff.
func (s *Service) Waterfall(ctx context.Context, cutoff uint64, exitCents int64) (*waterfall.Result, error) {
	state, err := s.State(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return waterfall.Distribute(state, s.classes, exitCents)
}

// WaterfallScenarios runs the waterfall for several exit amounts against one state.
func (s *Service) WaterfallScenarios(ctx context.Context, cutoff uint64, exits []int64) ([]*waterfall.Result, error) {
	state, err := s.State(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return waterfall.Scenarios(state, s.classes, exits)
}

// Dilution projects req onto the state at cutoff. Without a current valuation the
// post-money of the most recent closed round is used.
func (s *Service) Dilution(ctx context.Context, cutoff uint64, req dilution.Request) (*dilution.Result, error) {
	state, err := s.State(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if req.CurrentValuationCents == 0 && len(state.ClosedRounds) > 0 {
		req.CurrentValuationCents = state.ClosedRounds[len(state.ClosedRounds)-1].PostMoneyCents
	}
	return dilution.Simulate(state, req)
}

// CapTable is the ownership picture at one sequence.
type CapTable struct {
	LedgerID            string      `json:"ledger_id"`
	AsOfSequence        uint64      `json:"as_of_sequence"`
	TotalShares         int64       `json:"total_shares"`
	TotalCostBasisCents int64       `json:"total_cost_basis_cents"`
	Classes             []ClassRow  `json:"classes"`
	Holders             []HolderRow `json:"holders"`
}

// ClassRow summarizes one share class.
type ClassRow struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Symbol       string          `json:"symbol,omitempty"`
	Priority     int             `json:"priority"`
	Shares       int64           `json:"shares"`
	OwnershipPct decimal.Decimal `json:"ownership_pct"`
}

// HolderRow aggregates one wallet across classes.
type HolderRow struct {
	Wallet         string          `json:"wallet"`
	Approved       bool            `json:"approved"`
	Shares         int64           `json:"shares"`
	CostBasisCents int64           `json:"cost_basis_cents"`
	OwnershipPct   decimal.Decimal `json:"ownership_pct"`
	Positions      []PositionRow   `json:"positions"`
}

// PositionRow is one holder's stake in one class.
type PositionRow struct {
	ShareClass        string          `json:"share_class"`
	Shares            int64           `json:"shares"`
	CostBasisCents    int64           `json:"cost_basis_cents"`
	ClassOwnershipPct decimal.Decimal `json:"class_ownership_pct"`
}

// CapTable renders ownership at cutoff, holders ordered by shares descending.
func (s *Service) CapTable(ctx context.Context, cutoff uint64) (*CapTable, error) {
	state, err := s.State(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return BuildCapTable(s.opts.LedgerID, state, s.classes), nil
}

// BuildCapTable derives a cap table from state. Classes unknown to lookup are listed
// by id only.
func BuildCapTable(ledgerID string, state *domain.LedgerState, lookup domain.ClassLookup) *CapTable {
	total := state.TotalShares()
	table := &CapTable{
		LedgerID:     ledgerID,
		AsOfSequence: state.AsOfSequence,
		TotalShares:  total,
	}

	for id, shares := range state.TotalSharesByClass {
		if shares == 0 {
			continue
		}
		row := ClassRow{ID: id, Name: id, Shares: shares, OwnershipPct: domain.Percent(shares, total)}
		if c, ok := lookup.ShareClass(id); ok {
			row.Name, row.Symbol, row.Priority = c.Name, c.Symbol, c.Priority
		}
		table.Classes = append(table.Classes, row)
	}
	sort.Slice(table.Classes, func(i, j int) bool {
		if table.Classes[i].Priority != table.Classes[j].Priority {
			return table.Classes[i].Priority < table.Classes[j].Priority
		}
		return table.Classes[i].ID < table.Classes[j].ID
	})

	byWallet := make(map[string]*HolderRow)
	var wallets []string
	for _, p := range state.SortedPositions() {
		h, ok := byWallet[p.Wallet]
		if !ok {
			h = &HolderRow{Wallet: p.Wallet, Approved: state.ApprovedWallets[p.Wallet]}
			byWallet[p.Wallet] = h
			wallets = append(wallets, p.Wallet)
		}
		h.Shares += p.Shares
		h.CostBasisCents += p.CostBasisCents
		h.Positions = append(h.Positions, PositionRow{
			ShareClass:        p.ShareClass,
			Shares:            p.Shares,
			CostBasisCents:    p.CostBasisCents,
			ClassOwnershipPct: domain.Percent(p.Shares, state.TotalSharesByClass[p.ShareClass]),
		})
		table.TotalCostBasisCents += p.CostBasisCents
	}

	for _, w := range wallets {
		h := byWallet[w]
		h.OwnershipPct = domain.Percent(h.Shares, total)
		table.Holders = append(table.Holders, *h)
	}
	sort.SliceStable(table.Holders, func(i, j int) bool {
		return table.Holders[i].Shares > table.Holders[j].Shares
	})

	return table
}
