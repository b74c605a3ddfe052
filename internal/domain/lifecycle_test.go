package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTransitions(t *testing.T) {
	tests := []struct {
		from, to RoundStatus
		ok       bool
	}{
		{RoundPending, RoundClosed, true},
		{RoundPending, RoundCancelled, true},
		{RoundClosed, RoundPending, false},
		{RoundClosed, RoundCancelled, false},
		{RoundCancelled, RoundClosed, false},
		{RoundPending, RoundPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			r := &FundingRound{ID: "r", Status: tt.from}
			err := r.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, r.Status)
				return
			}
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, tt.from, r.Status)
		})
	}
}

func TestFundingRound_Investments(t *testing.T) {
	r := &FundingRound{ID: "seed", Status: RoundPending}

	require.NoError(t, r.AddInvestment(Investment{ID: "i1", InvestorWallet: "fund", AmountCents: 500}))
	require.NoError(t, r.AddInvestment(Investment{ID: "i2", InvestorWallet: "angel", AmountCents: 250}))
	assert.Equal(t, int64(750), r.TotalRaised())

	assert.ErrorIs(t, r.AddInvestment(Investment{ID: "i3", InvestorWallet: "x"}), ErrSchema)

	snapshot := r.Clone()
	require.NoError(t, r.RemoveInvestment("i1"))
	assert.Equal(t, int64(250), r.TotalRaised())
	assert.Equal(t, int64(750), snapshot.TotalRaised(), "clone shares no backing array")
	assert.ErrorIs(t, r.RemoveInvestment("i1"), ErrNotFound)

	require.NoError(t, r.Transition(RoundClosed))
	assert.ErrorIs(t, r.AddInvestment(Investment{ID: "i4", InvestorWallet: "late", AmountCents: 1}), ErrIllegalTransition)
	assert.ErrorIs(t, r.RemoveInvestment("i2"), ErrIllegalTransition)
}

func TestFundingRound_ExactPrice(t *testing.T) {
	r := &FundingRound{ID: "a", PreMoneyValuationCents: 1_000}
	_, err := r.ExactPrice()
	assert.ErrorIs(t, err, ErrPolicy)

	r.Terms = &RoundTerms{PreRoundShares: 3}
	price, err := r.ExactPrice()
	require.NoError(t, err)
	shares, residue := price.SharesFor(1_000)
	assert.Equal(t, int64(3), shares)
	assert.True(t, residue.IsZero())
}

func TestInstrumentTransitions(t *testing.T) {
	inst := &ConvertibleInstrument{ID: "safe", Status: InstrumentOutstanding}
	require.NoError(t, inst.Transition(InstrumentConverted))
	assert.ErrorIs(t, inst.Transition(InstrumentCancelled), ErrIllegalTransition)
	assert.ErrorIs(t, inst.Transition(InstrumentOutstanding), ErrIllegalTransition)

	cancelled := &ConvertibleInstrument{ID: "note", Status: InstrumentOutstanding}
	require.NoError(t, cancelled.Transition(InstrumentCancelled))
	assert.ErrorIs(t, cancelled.Transition(InstrumentConverted), ErrIllegalTransition)
}

func TestConvertibleInstrument_Validate(t *testing.T) {
	valid := func() *ConvertibleInstrument {
		return &ConvertibleInstrument{
			Kind:           InstrumentSAFE,
			HolderWallet:   "angel",
			PrincipalCents: 100,
			DiscountRate:   decimal.RequireFromString("0.2"),
		}
	}

	tests := []struct {
		name   string
		mutate func(c *ConvertibleInstrument)
		field  string
	}{
		{name: "unknown kind", mutate: func(c *ConvertibleInstrument) { c.Kind = "warrant" }, field: "instrument.kind"},
		{name: "safe with interest", mutate: func(c *ConvertibleInstrument) { c.InterestRate = decimal.RequireFromString("0.05") }, field: "instrument.interest_rate"},
		{name: "note with bad mode", mutate: func(c *ConvertibleInstrument) { c.Kind = InstrumentNote; c.InterestMode = "daily" }, field: "instrument.interest_mode"},
		{name: "no holder", mutate: func(c *ConvertibleInstrument) { c.HolderWallet = "" }, field: "instrument.holder_wallet"},
		{name: "zero principal", mutate: func(c *ConvertibleInstrument) { c.PrincipalCents = 0 }, field: "instrument.principal_cents"},
		{name: "negative cap", mutate: func(c *ConvertibleInstrument) { c.ValuationCapCents = -1 }, field: "instrument.valuation_cap_cents"},
		{name: "full discount", mutate: func(c *ConvertibleInstrument) { c.DiscountRate = decimal.NewFromInt(1) }, field: "instrument.discount_rate"},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.Equal(t, tt.field, schemaErr.Field)
		})
	}
}

func TestEvent_Validate(t *testing.T) {
	mustEvent := func(kind EventKind, payload any) Event {
		e, err := NewEvent(kind, payload)
		require.NoError(t, err)
		return e
	}

	approval := mustEvent(KindApprovalChange, ApprovalPayload{Approved: true})
	approval.PrimaryWallet = "carol"
	split := mustEvent(KindStockSplit, SplitPayload{Numerator: 2, Denominator: 1})
	badSplit := mustEvent(KindStockSplit, SplitPayload{Numerator: 2})
	opened := mustEvent(KindFundingRoundOpened, RoundMarkerPayload{RoundID: "r1"})
	anonymous := mustEvent(KindFundingRoundClosed, RoundMarkerPayload{Name: "no id"})
	conversion := mustEvent(KindConvertibleConversion, ConversionPayload{RoundID: "r1"})
	conversion.PrimaryWallet, conversion.ShareClass = "angel", "seed"

	tests := []struct {
		name  string
		event Event
		field string
	}{
		{name: "valid issue", event: Event{Kind: KindIssue, PrimaryWallet: "a", ShareCount: 1, ShareClass: "c"}},
		{name: "valid approval", event: approval},
		{name: "valid split", event: split},
		{name: "valid marker", event: opened},
		{name: "valid dividend", event: Event{Kind: KindDividendPayment, PrimaryWallet: "a", MoneyAmountCents: 1}},
		{name: "negative shares", event: Event{Kind: KindIssue, PrimaryWallet: "a", ShareCount: -1, ShareClass: "c"}, field: "share_count"},
		{name: "transfer without destination", event: Event{Kind: KindTransfer, PrimaryWallet: "a", ShareCount: 1, ShareClass: "c"}, field: "secondary_wallet"},
		{name: "approval without payload", event: Event{Kind: KindApprovalChange, PrimaryWallet: "a"}, field: "payload"},
		{name: "conversion without instrument", event: conversion, field: "payload.instrument_id"},
		{name: "vesting without shares", event: Event{Kind: KindVestingRelease, PrimaryWallet: "a"}, field: "share_count"},
		{name: "dividend without money", event: Event{Kind: KindDividendPayment, PrimaryWallet: "a"}, field: "money_amount_cents"},
		{name: "split with zero denominator", event: badSplit, field: "payload"},
		{name: "marker without round", event: anonymous, field: "payload.round_id"},
		{name: "malformed payload", event: Event{Kind: KindStockSplit, Payload: json.RawMessage(`{"numerator":"two"}`)}, field: "payload"},
		{name: "unknown kind", event: Event{Kind: "burn"}, field: "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.Equal(t, tt.field, schemaErr.Field)
			assert.ErrorIs(t, err, ErrSchema)
		})
	}
}

func TestEventKind_Known(t *testing.T) {
	for _, k := range EventKinds {
		assert.True(t, k.Known(), k)
	}
	assert.False(t, EventKind("burn").Known())
}

func TestLedgerState_JSONRoundTrip(t *testing.T) {
	s := NewLedgerState()
	s.Credit("alice", "common", 10, 100)
	s.Credit("bob", "seed", 5, 0)
	s.ApprovedWallets["alice"] = true
	s.AsOfSequence = 4

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var back LedgerState
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, s.SortedPositions(), back.SortedPositions())
	assert.Equal(t, s.TotalSharesByClass, back.TotalSharesByClass)
	assert.Equal(t, []string{"alice"}, back.Approved())
	assert.Equal(t, uint64(4), back.AsOfSequence)
}

func TestLedgerState_CloneIsDeep(t *testing.T) {
	s := NewLedgerState()
	s.Credit("alice", "common", 10, 0)
	c := s.Clone()
	c.Credit("alice", "common", 5, 0)
	c.Debit("alice", "common", 15, 0)

	assert.Equal(t, int64(10), s.Position("alice", "common").Shares)
	assert.Equal(t, int64(10), s.TotalShares())
	assert.Empty(t, c.SortedPositions())
}

func TestLedgerState_OverflowLeavesStateUntouched(t *testing.T) {
	s := NewLedgerState()
	require.NoError(t, s.Credit("alice", "common", math.MaxInt64-5, 0))

	assert.ErrorIs(t, s.Credit("alice", "common", 6, 0), ErrInvariant)
	assert.ErrorIs(t, s.Credit("bob", "common", 6, 0), ErrInvariant)
	assert.Equal(t, int64(math.MaxInt64-5), s.TotalSharesByClass["common"])
	assert.Equal(t, int64(0), s.Position("bob", "common").Shares)

	require.NoError(t, s.Credit("carol", "seed", 1, math.MaxInt64))
	require.NoError(t, s.Credit("dave", "seed", 1, 1))
	assert.ErrorIs(t, s.Move("dave", "carol", "seed", 1, 1), ErrInvariant)
	assert.Equal(t, int64(1), s.Position("dave", "seed").Shares)

	assert.ErrorIs(t, s.ReplacePosition(Position{PositionKey: PositionKey{Wallet: "alice", ShareClass: "common"}, Shares: -1}), ErrInvariant)

	s.Dividends.TotalCents = math.MaxInt64
	assert.ErrorIs(t, s.RecordDividend(1), ErrInvariant)
	assert.Equal(t, 0, s.Dividends.Payments)
}
