package main

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/waterfall"
)

func TestParseAmounts(t *testing.T) {
	got, err := parseAmounts("100, 250,")
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 250}, got)

	for _, in := range []string{"", "ten", "-5"} {
		_, err := parseAmounts(in)
		assert.Error(t, err, in)
	}
}

func TestCutoffFlag(t *testing.T) {
	var c cutoffFlag
	require.NoError(t, c.Set("latest"))
	assert.Equal(t, ledger.Latest, uint64(c))
	assert.Equal(t, "latest", c.String())

	require.NoError(t, c.Set("12"))
	assert.Equal(t, uint64(12), uint64(c))
	assert.Error(t, c.Set("-1"))
}

func TestRender(t *testing.T) {
	assert.Equal(t, "1234.05", money(123_405))

	out := renderCapTable(&ledger.CapTable{
		LedgerID:     "acme",
		AsOfSequence: 3,
		TotalShares:  100,
		Classes:      []ledger.ClassRow{{ID: "common", Name: "Common", Shares: 100, OwnershipPct: decimal.NewFromInt(100)}},
		Holders:      []ledger.HolderRow{{Wallet: "founder", Shares: 100, OwnershipPct: decimal.NewFromInt(100)}},
	})
	assert.Contains(t, out, "acme @ 3")
	assert.Contains(t, out, "founder")
	assert.Contains(t, out, "100.00%")

	results := []*waterfall.Result{
		{ExitAmountCents: 1_000, Tiers: []waterfall.Tier{{Kind: waterfall.TierParticipation, Payouts: []waterfall.Payout{{Wallet: "b", AmountCents: 600}, {Wallet: "a", AmountCents: 400}}}}},
		{ExitAmountCents: 2_000, Tiers: []waterfall.Tier{{Kind: waterfall.TierParticipation, Payouts: []waterfall.Payout{{Wallet: "a", AmountCents: 2_000}}}}},
	}
	table := renderScenarios(results)
	assert.Less(t, strings.Index(table, " a "), strings.Index(table, " b "))
	assert.Contains(t, renderWaterfall(results[0]), "distributed 10.00, remaining 0.00")
}
