// Package waterfall distributes a hypothetical exit across liquidation priority tiers.
package waterfall

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
)

// TierKind separates preference tiers from the residual participation pass.
type TierKind string

const (
	TierPreference    TierKind = "preference"
	TierParticipation TierKind = "participation"
)

// PayoutSource explains why a holder was paid.
type PayoutSource string

const (
	SourcePreference        PayoutSource = "preference"
	SourcePartialPreference PayoutSource = "partial_preference"
	SourceParticipation     PayoutSource = "participation"
	SourceNone              PayoutSource = "none"
)

// Payout is the amount one position receives within a tier.
type Payout struct {
	Wallet             string          `json:"wallet"`
	ShareClass         string          `json:"share_class"`
	Shares             int64           `json:"shares"`
	CostBasisCents     int64           `json:"cost_basis_cents"`
	PreferenceMultiple decimal.Decimal `json:"preference_multiple"`
	PreferenceCents    int64           `json:"preference_cents"`
	AmountCents        int64           `json:"amount_cents"`
	Source             PayoutSource    `json:"source"`
}

// Tier is one step of the waterfall. Participation tiers carry no preference total.
type Tier struct {
	Kind                 TierKind `json:"kind"`
	Priority             int      `json:"priority"`
	ShareClasses         []string `json:"share_classes"`
	PreferenceTotalCents int64    `json:"preference_total_cents"`
	AmountAvailableCents int64    `json:"amount_available_cents"`
	AmountDistributed    int64    `json:"amount_distributed_cents"`
	FullySatisfied       bool     `json:"fully_satisfied"`
	Payouts              []Payout `json:"payouts"`
}

// Result is the complete distribution. The sum of every tier's AmountDistributed plus
// RemainingCents always equals ExitAmountCents.
type Result struct {
	AsOfSequence    uint64 `json:"as_of_sequence"`
	ExitAmountCents int64  `json:"exit_amount_cents"`
	TotalShares     int64  `json:"total_shares"`
	Tiers           []Tier `json:"tiers"`
	RemainingCents  int64  `json:"remaining_cents"`
}

// PayoutsByWallet aggregates payouts across tiers and classes.
func (r *Result) PayoutsByWallet() map[string]int64 {
	out := make(map[string]int64)
	for _, tier := range r.Tiers {
		for _, p := range tier.Payouts {
			out[p.Wallet] += p.AmountCents
		}
	}
	return out
}

// Distributed sums AmountDistributed over all tiers.
func (r *Result) Distributed() int64 {
	var total int64
	for _, tier := range r.Tiers {
		total += tier.AmountDistributed
	}
	return total
}

type holding struct {
	pos        domain.Position
	class      domain.ShareClass
	preference int64
}

// Distribute runs the waterfall for exitCents against state. Tiers are paid in ascending
// priority; classes sharing a priority are paid pari-passu, each position weighted by
// its own cost basis times its class multiple. Whatever survives the preference tiers
// is shared by share count among participating classes.
func Distribute(state *domain.LedgerState, classes domain.ClassLookup, exitCents int64) (*Result, error) {
	if exitCents < 0 {
		return nil, &domain.SchemaError{Field: "exit_amount_cents", Reason: "must not be negative"}
	}

	holdings, err := collect(state, classes)
	if err != nil {
		return nil, err
	}

	res := &Result{
		AsOfSequence:    state.AsOfSequence,
		ExitAmountCents: exitCents,
		TotalShares:     state.TotalShares(),
		RemainingCents:  exitCents,
	}

	for _, group := range groupByPriority(holdings) {
		tier := payPreferenceTier(group, res.RemainingCents)
		res.RemainingCents -= tier.AmountDistributed
		res.Tiers = append(res.Tiers, tier)
	}

	if res.RemainingCents > 0 {
		tier := payParticipation(holdings, res.RemainingCents)
		res.RemainingCents -= tier.AmountDistributed
		res.Tiers = append(res.Tiers, tier)
	}

	return res, nil
}

// Scenarios evaluates several exit amounts against the same state.
func Scenarios(state *domain.LedgerState, classes domain.ClassLookup, exits []int64) ([]*Result, error) {
	out := make([]*Result, 0, len(exits))
	for _, exit := range exits {
		res, err := Distribute(state, classes, exit)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func collect(state *domain.LedgerState, classes domain.ClassLookup) ([]holding, error) {
	positions := state.SortedPositions()
	out := make([]holding, 0, len(positions))
	for _, pos := range positions {
		class, ok := classes.ShareClass(pos.ShareClass)
		if !ok {
			return nil, domain.NotFoundError("share class %s held by %s", pos.ShareClass, pos.Wallet)
		}
		out = append(out, holding{
			pos:        pos,
			class:      class,
			preference: domain.FloorMul(pos.CostBasisCents, class.PreferenceMultiple),
		})
	}
	return out, nil
}

func groupByPriority(holdings []holding) [][]holding {
	byPriority := make(map[int][]holding)
	for _, h := range holdings {
		byPriority[h.class.Priority] = append(byPriority[h.class.Priority], h)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	out := make([][]holding, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, byPriority[p])
	}
	return out
}

func payPreferenceTier(group []holding, available int64) Tier {
	tier := Tier{
		Kind:                 TierPreference,
		Priority:             group[0].class.Priority,
		ShareClasses:         classIDs(group),
		AmountAvailableCents: available,
	}

	weights := make([]int64, len(group))
	for i, h := range group {
		weights[i] = h.preference
		tier.PreferenceTotalCents += h.preference
	}

	allocated := min(available, tier.PreferenceTotalCents)
	amounts := allocate(allocated, weights)

	tier.AmountDistributed = allocated
	tier.FullySatisfied = allocated == tier.PreferenceTotalCents

	for i, h := range group {
		source := SourceNone
		switch {
		case amounts[i] == 0:
		case amounts[i] == h.preference:
			source = SourcePreference
		default:
			source = SourcePartialPreference
		}
		tier.Payouts = append(tier.Payouts, payout(h, amounts[i], source))
	}
	return tier
}

func payParticipation(holdings []holding, available int64) Tier {
	tier := Tier{
		Kind:                 TierParticipation,
		Priority:             -1,
		AmountAvailableCents: available,
	}

	var participants []holding
	for _, h := range holdings {
		if h.class.NonParticipating || h.pos.Shares == 0 {
			continue
		}
		participants = append(participants, h)
	}
	if len(participants) == 0 {
		return tier
	}

	weights := make([]int64, len(participants))
	for i, h := range participants {
		weights[i] = h.pos.Shares
	}
	amounts := allocate(available, weights)

	tier.ShareClasses = classIDs(participants)
	tier.AmountDistributed = available
	tier.FullySatisfied = true
	for i, h := range participants {
		source := SourceParticipation
		if amounts[i] == 0 {
			source = SourceNone
		}
		tier.Payouts = append(tier.Payouts, payout(h, amounts[i], source))
	}
	return tier
}

func payout(h holding, amount int64, source PayoutSource) Payout {
	return Payout{
		Wallet:             h.pos.Wallet,
		ShareClass:         h.pos.ShareClass,
		Shares:             h.pos.Shares,
		CostBasisCents:     h.pos.CostBasisCents,
		PreferenceMultiple: h.class.PreferenceMultiple,
		PreferenceCents:    h.preference,
		AmountCents:        amount,
		Source:             source,
	}
}

func classIDs(group []holding) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range group {
		if !seen[h.class.ID] {
			seen[h.class.ID] = true
			out = append(out, h.class.ID)
		}
	}
	sort.Strings(out)
	return out
}

// allocate splits total across weights pro-rata, flooring each share and handing the
// leftover cents to the largest fractional remainders (earlier index wins ties), so the
// parts always sum to total. A zero weight sum allocates nothing.
func allocate(total int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	var sum int64
	for _, w := range weights {
		sum += w
	}
	if total == 0 || sum == 0 {
		return out
	}

	bigTotal := big.NewInt(total)
	bigSum := big.NewInt(sum)
	remainders := make([]*big.Int, len(weights))

	var given int64
	for i, w := range weights {
		q, r := new(big.Int).QuoRem(new(big.Int).Mul(bigTotal, big.NewInt(w)), bigSum, new(big.Int))
		out[i] = q.Int64()
		remainders[i] = r
		given += out[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].Cmp(remainders[order[b]]) > 0
	})

	for i := 0; given < total; i++ {
		out[order[i%len(order)]]++
		given++
	}
	return out
}
