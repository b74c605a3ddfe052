package domain

import (
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DividendAllocation is one holder's share of a distribution.
type DividendAllocation struct {
	Wallet      string `json:"wallet"`
	Shares      int64  `json:"shares"`
	AmountCents int64  `json:"amount_cents"`
	Sequence    uint64 `json:"sequence,omitempty"`
}

// DividendRound distributes PoolCents over the holders at CutoffSequence, pro rata by
// shares. Allocations always sum to the distributed amount.
type DividendRound struct {
	ID             string               `json:"id"`
	Name           string               `json:"name,omitempty"`
	ShareClass     string               `json:"share_class,omitempty"`
	PoolCents      int64                `json:"pool_cents"`
	CutoffSequence uint64               `json:"cutoff_sequence"`
	EligibleShares int64                `json:"eligible_shares"`
	AmountPerShare decimal.Decimal      `json:"amount_per_share"`
	Allocations    []DividendAllocation `json:"allocations"`
	CreatedAt      time.Time            `json:"created_at"`
}

// DistributedCents sums the allocations.
func (r *DividendRound) DistributedCents() int64 {
	var total int64
	for _, a := range r.Allocations {
		total += a.AmountCents
	}
	return total
}

// Clone copies the round.
func (r *DividendRound) Clone() *DividendRound {
	c := *r
	c.Allocations = append([]DividendAllocation(nil), r.Allocations...)
	return &c
}

// AllocateDividend splits poolCents over holders pro rata by shares. Every holder gets
// the floor of their exact share; the cents left over go one each to the largest
// remainders, ties broken by wallet. Holders that end with zero cents are dropped.
func AllocateDividend(poolCents int64, holders map[string]int64) ([]DividendAllocation, int64, error) {
	if poolCents <= 0 {
		return nil, 0, &SchemaError{Field: "pool_cents", Reason: "must be positive"}
	}

	wallets := make([]string, 0, len(holders))
	total := new(big.Int)
	for w, shares := range holders {
		if shares <= 0 {
			continue
		}
		wallets = append(wallets, w)
		total.Add(total, big.NewInt(shares))
	}
	if len(wallets) == 0 {
		return nil, 0, PolicyError("no holders to distribute to")
	}
	if !total.IsInt64() {
		return nil, 0, InvariantError("eligible shares exceed int64")
	}
	sort.Strings(wallets)

	type share struct {
		alloc DividendAllocation
		rem   *big.Int
	}
	shares := make([]share, len(wallets))
	pool := big.NewInt(poolCents)
	var allocated int64
	for i, w := range wallets {
		n := new(big.Int).Mul(pool, big.NewInt(holders[w]))
		q, r := new(big.Int).QuoRem(n, total, new(big.Int))
		shares[i] = share{alloc: DividendAllocation{Wallet: w, Shares: holders[w], AmountCents: q.Int64()}, rem: r}
		allocated += q.Int64()
	}

	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return shares[order[a]].rem.Cmp(shares[order[b]].rem) > 0
	})
	for i := int64(0); i < poolCents-allocated; i++ {
		shares[order[i]].alloc.AmountCents++
	}

	out := make([]DividendAllocation, 0, len(shares))
	for _, s := range shares {
		if s.alloc.AmountCents > 0 {
			out = append(out, s.alloc)
		}
	}
	return out, total.Int64(), nil
}
