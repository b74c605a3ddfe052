package domain

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a holding.
type PositionKey struct {
	Wallet     string `json:"wallet"`
	ShareClass string `json:"share_class"`
}

// Position is derived from the log and never stored on its own.
type Position struct {
	PositionKey
	Shares         int64 `json:"shares"`
	CostBasisCents int64 `json:"cost_basis_cents"`
}

// SplitResidue records the fractional shares floored away from one position by a split.
type SplitResidue struct {
	Sequence         uint64          `json:"sequence"`
	Wallet           string          `json:"wallet"`
	ShareClass       string          `json:"share_class"`
	FractionalShares decimal.Decimal `json:"fractional_shares"`
}

// DividendSummary aggregates dividend payments seen by the fold.
type DividendSummary struct {
	Payments   int   `json:"payments"`
	TotalCents int64 `json:"total_cents"`
}

// LedgerState is the ownership picture after folding every event up to AsOfSequence.
// It is rebuilt on demand and only ever cached.
type LedgerState struct {
	AsOfSequence         uint64                   `json:"as_of_sequence"`
	Positions            map[PositionKey]Position `json:"-"`
	ApprovedWallets      map[string]bool          `json:"-"`
	TotalSharesByClass   map[string]int64         `json:"total_shares_by_class"`
	SplitResidues        []SplitResidue           `json:"split_residues,omitempty"`
	Dividends            DividendSummary          `json:"dividends"`
	ClosedRounds         []RoundMarkerPayload     `json:"closed_rounds,omitempty"`
	ConvertedInstruments map[string]uint64        `json:"-"`
}

// NewLedgerState returns an empty state.
func NewLedgerState() *LedgerState {
	return &LedgerState{
		Positions:            make(map[PositionKey]Position),
		ApprovedWallets:      make(map[string]bool),
		TotalSharesByClass:   make(map[string]int64),
		ConvertedInstruments: make(map[string]uint64),
	}
}

// Clone returns a deep copy safe to fold further without touching the original.
func (s *LedgerState) Clone() *LedgerState {
	c := &LedgerState{
		AsOfSequence:         s.AsOfSequence,
		Positions:            make(map[PositionKey]Position, len(s.Positions)),
		ApprovedWallets:      make(map[string]bool, len(s.ApprovedWallets)),
		TotalSharesByClass:   make(map[string]int64, len(s.TotalSharesByClass)),
		SplitResidues:        append([]SplitResidue(nil), s.SplitResidues...),
		Dividends:            s.Dividends,
		ClosedRounds:         append([]RoundMarkerPayload(nil), s.ClosedRounds...),
		ConvertedInstruments: make(map[string]uint64, len(s.ConvertedInstruments)),
	}
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	for k, v := range s.ApprovedWallets {
		c.ApprovedWallets[k] = v
	}
	for k, v := range s.TotalSharesByClass {
		c.TotalSharesByClass[k] = v
	}
	for k, v := range s.ConvertedInstruments {
		c.ConvertedInstruments[k] = v
	}
	return c
}

// Position returns the holding for key, zero-valued when absent.
func (s *LedgerState) Position(wallet, class string) Position {
	key := PositionKey{Wallet: wallet, ShareClass: class}
	if p, ok := s.Positions[key]; ok {
		return p
	}
	return Position{PositionKey: key}
}

// TotalShares sums issued shares across every class.
func (s *LedgerState) TotalShares() int64 {
	var total int64
	for _, n := range s.TotalSharesByClass {
		total += n
	}
	return total
}

// SortedPositions returns non-empty positions ordered by wallet, then class.
func (s *LedgerState) SortedPositions() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Shares == 0 && p.CostBasisCents == 0 {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wallet != out[j].Wallet {
			return out[i].Wallet < out[j].Wallet
		}
		return out[i].ShareClass < out[j].ShareClass
	})
	return out
}

// HolderShares sums shares per wallet across classes.
func (s *LedgerState) HolderShares() map[string]int64 {
	out := make(map[string]int64)
	for _, p := range s.Positions {
		if p.Shares > 0 {
			out[p.Wallet] += p.Shares
		}
	}
	return out
}

// Approved returns the allowlisted wallets in lexical order.
func (s *LedgerState) Approved() []string {
	out := make([]string, 0, len(s.ApprovedWallets))
	for w, ok := range s.ApprovedWallets {
		if ok {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

func (s *LedgerState) setPosition(p Position) {
	if p.Shares == 0 && p.CostBasisCents == 0 {
		delete(s.Positions, p.PositionKey)
		return
	}
	s.Positions[p.PositionKey] = p
}

// Credit adds shares and cost basis to a position. Nothing changes when the position,
// its cost basis or the class total would overflow int64.
func (s *LedgerState) Credit(wallet, class string, shares, costBasis int64) error {
	p := s.Position(wallet, class)
	newShares, okShares := addInt64(p.Shares, shares)
	newBasis, okBasis := addInt64(p.CostBasisCents, costBasis)
	total, okTotal := addInt64(s.TotalSharesByClass[class], shares)
	if !okShares || !okBasis || !okTotal {
		return InvariantError("crediting %d %s shares (%d cents) to %s overflows int64", shares, class, costBasis, wallet)
	}
	p.Shares, p.CostBasisCents = newShares, newBasis
	s.setPosition(p)
	s.TotalSharesByClass[class] = total
	return nil
}

// Debit removes shares and cost basis from a position. Callers check balances first.
func (s *LedgerState) Debit(wallet, class string, shares, costBasis int64) {
	p := s.Position(wallet, class)
	p.Shares -= shares
	p.CostBasisCents -= costBasis
	s.setPosition(p)
	s.TotalSharesByClass[class] -= shares
}

// Move shifts shares and cost basis between two holders of one class. The class total
// is unchanged. Callers check the source balance first.
func (s *LedgerState) Move(from, to, class string, shares, costBasis int64) error {
	dst := s.Position(to, class)
	newShares, okShares := addInt64(dst.Shares, shares)
	newBasis, okBasis := addInt64(dst.CostBasisCents, costBasis)
	if !okShares || !okBasis {
		return InvariantError("moving %d %s shares (%d cents) to %s overflows int64", shares, class, costBasis, to)
	}

	src := s.Position(from, class)
	src.Shares -= shares
	src.CostBasisCents -= costBasis
	s.setPosition(src)

	dst.Shares, dst.CostBasisCents = newShares, newBasis
	s.setPosition(dst)
	return nil
}

// ReplacePosition overwrites a position's share count, keeping class totals consistent.
func (s *LedgerState) ReplacePosition(p Position) error {
	if p.Shares < 0 {
		return InvariantError("position %s/%s would hold %d shares", p.Wallet, p.ShareClass, p.Shares)
	}
	old := s.Position(p.Wallet, p.ShareClass)
	total, ok := addInt64(s.TotalSharesByClass[p.ShareClass], p.Shares-old.Shares)
	if !ok {
		return InvariantError("class %s total overflows int64", p.ShareClass)
	}
	s.TotalSharesByClass[p.ShareClass] = total
	s.setPosition(p)
	return nil
}

// RecordDividend adds one payment to the dividend summary.
func (s *LedgerState) RecordDividend(cents int64) error {
	total, ok := addInt64(s.Dividends.TotalCents, cents)
	if !ok {
		return InvariantError("dividend total overflows int64")
	}
	s.Dividends.Payments++
	s.Dividends.TotalCents = total
	return nil
}

func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// MarshalJSON renders positions and approvals as ordered lists.
func (s *LedgerState) MarshalJSON() ([]byte, error) {
	type plain LedgerState
	return json.Marshal(struct {
		*plain
		Positions       []Position `json:"positions"`
		ApprovedWallets []string   `json:"approved_wallets"`
		TotalShares     int64      `json:"total_shares"`
	}{
		plain:           (*plain)(s),
		Positions:       s.SortedPositions(),
		ApprovedWallets: s.Approved(),
		TotalShares:     s.TotalShares(),
	})
}

// UnmarshalJSON restores a state rendered by MarshalJSON.
func (s *LedgerState) UnmarshalJSON(data []byte) error {
	type plain LedgerState
	aux := struct {
		*plain
		Positions       []Position `json:"positions"`
		ApprovedWallets []string   `json:"approved_wallets"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.Positions = make(map[PositionKey]Position, len(aux.Positions))
	for _, p := range aux.Positions {
		s.Positions[p.PositionKey] = p
	}
	s.ApprovedWallets = make(map[string]bool, len(aux.ApprovedWallets))
	for _, w := range aux.ApprovedWallets {
		s.ApprovedWallets[w] = true
	}
	if s.TotalSharesByClass == nil {
		s.TotalSharesByClass = make(map[string]int64)
	}
	if s.ConvertedInstruments == nil {
		s.ConvertedInstruments = make(map[string]uint64)
	}
	return nil
}
