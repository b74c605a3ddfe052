package replay

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/capledger/internal/domain"
)

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func issue(seq uint64, wallet, class string, shares, basis int64) domain.Event {
	return domain.Event{
		Sequence:                  seq,
		Kind:                      domain.KindIssue,
		PrimaryWallet:             wallet,
		ShareClass:                class,
		ShareCount:                shares,
		SecondaryMoneyAmountCents: basis,
	}
}

func transfer(seq uint64, from, to, class string, shares int64) domain.Event {
	return domain.Event{
		Sequence:        seq,
		Kind:            domain.KindTransfer,
		PrimaryWallet:   from,
		SecondaryWallet: to,
		ShareClass:      class,
		ShareCount:      shares,
	}
}

func sampleLog(t *testing.T) []domain.Event {
	return []domain.Event{
		issue(1, "alice", "common", 1000, 0),
		issue(2, "bob", "seed", 500, 50_000),
		{Sequence: 3, Kind: domain.KindApprovalChange, PrimaryWallet: "carol", Payload: payload(t, domain.ApprovalPayload{Approved: true})},
		transfer(4, "alice", "carol", "common", 250),
		{Sequence: 5, Kind: domain.KindDividendPayment, PrimaryWallet: "alice", MoneyAmountCents: 1200},
		{Sequence: 6, Kind: domain.KindVestingRelease, PrimaryWallet: "dave", ShareCount: 40},
		transfer(7, "bob", "carol", "seed", 100),
	}
}

func TestReconstruct_Determinism(t *testing.T) {
	events := sampleLog(t)
	opts := Options{DefaultShareClass: "common"}

	first, err := Reconstruct(events, 7, opts)
	require.NoError(t, err)
	second, err := Reconstruct(events, 7, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestReconstruct_Transitions(t *testing.T) {
	state, err := Reconstruct(sampleLog(t), 100, Options{DefaultShareClass: "common"})
	require.NoError(t, err)

	assert.Equal(t, uint64(7), state.AsOfSequence)
	assert.Equal(t, int64(750), state.Position("alice", "common").Shares)
	assert.Equal(t, int64(250), state.Position("carol", "common").Shares)
	assert.Equal(t, int64(40), state.Position("dave", "common").Shares)
	assert.Equal(t, int64(1040), state.TotalSharesByClass["common"])

	// 100 of 500 seed shares move with 1/5 of the 50,000 basis
	assert.Equal(t, int64(400), state.Position("bob", "seed").Shares)
	assert.Equal(t, int64(40_000), state.Position("bob", "seed").CostBasisCents)
	assert.Equal(t, int64(10_000), state.Position("carol", "seed").CostBasisCents)

	assert.Equal(t, []string{"carol"}, state.Approved())
	assert.Equal(t, domain.DividendSummary{Payments: 1, TotalCents: 1200}, state.Dividends)
}

func TestReconstruct_ClassTotalsMatchPositions(t *testing.T) {
	state, err := Reconstruct(sampleLog(t), 100, Options{DefaultShareClass: "common"})
	require.NoError(t, err)

	sums := make(map[string]int64)
	for _, p := range state.Positions {
		require.GreaterOrEqual(t, p.Shares, int64(0))
		sums[p.ShareClass] += p.Shares
	}
	for class, total := range state.TotalSharesByClass {
		assert.Equal(t, total, sums[class], "class %s", class)
	}
}

func TestReconstruct_PrefixConsistency(t *testing.T) {
	events := sampleLog(t)
	opts := Options{DefaultShareClass: "common"}

	short, err := Reconstruct(events, 3, opts)
	require.NoError(t, err)
	long, err := Reconstruct(events, 7, opts)
	require.NoError(t, err)

	// events 4..7 never touch alice/seed or bob/common
	assert.Equal(t, short.Position("alice", "seed"), long.Position("alice", "seed"))
	assert.Equal(t, short.Position("bob", "common"), long.Position("bob", "common"))

	// resuming from the short prefix reaches the same state as a full fold
	resumed, err := Resume(short, events, 7, opts)
	require.NoError(t, err)
	assert.Equal(t, long, resumed)
	assert.Equal(t, uint64(3), short.AsOfSequence, "base must not be mutated")
}

func TestReconstruct_InsufficientBalanceAborts(t *testing.T) {
	events := []domain.Event{
		issue(1, "alice", "common", 10, 0),
		issue(2, "bob", "common", 5, 0),
		transfer(3, "bob", "alice", "common", 6),
		issue(4, "carol", "common", 1, 0),
	}

	state, err := Reconstruct(events, 10, Options{})
	require.Error(t, err)

	var replayErr *domain.ReplayError
	require.True(t, errors.As(err, &replayErr))
	assert.Equal(t, uint64(3), replayErr.Sequence)
	assert.Equal(t, uint64(2), replayErr.LastValid)
	assert.ErrorIs(t, err, domain.ErrInvariant)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// nothing was clamped; the partial state stops before the bad transfer
	assert.Equal(t, uint64(2), state.AsOfSequence)
	assert.Equal(t, int64(5), state.Position("bob", "common").Shares)
	assert.Equal(t, int64(0), state.Position("carol", "common").Shares)
}

func TestReconstruct_MalformedEventsAreFatal(t *testing.T) {
	tests := []struct {
		name  string
		event domain.Event
	}{
		{name: "unknown kind", event: domain.Event{Sequence: 2, Kind: "mystery", PrimaryWallet: "x"}},
		{name: "issue without class", event: domain.Event{Sequence: 2, Kind: domain.KindIssue, PrimaryWallet: "x", ShareCount: 1}},
		{name: "split without payload", event: domain.Event{Sequence: 2, Kind: domain.KindStockSplit}},
		{name: "transfer to self", event: transfer(2, "alice", "alice", "common", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := []domain.Event{issue(1, "alice", "common", 10, 0), tt.event}
			state, err := Reconstruct(events, 10, Options{})
			require.ErrorIs(t, err, domain.ErrSchema)

			var replayErr *domain.ReplayError
			require.True(t, errors.As(err, &replayErr))
			assert.Equal(t, uint64(2), replayErr.Sequence)
			assert.Equal(t, uint64(1), state.AsOfSequence)
		})
	}
}

func TestReconstruct_SequenceMustIncrease(t *testing.T) {
	events := []domain.Event{
		issue(2, "alice", "common", 10, 0),
		issue(2, "bob", "common", 10, 0),
	}
	_, err := Reconstruct(events, 10, Options{})
	assert.ErrorIs(t, err, domain.ErrSequence)

	_, err = Reconstruct([]domain.Event{issue(0, "alice", "common", 1, 0)}, 10, Options{})
	assert.ErrorIs(t, err, domain.ErrSequence)
}

func TestReconstruct_StockSplit(t *testing.T) {
	split := func(seq uint64, num, den int64) domain.Event {
		return domain.Event{Sequence: seq, Kind: domain.KindStockSplit, Payload: payload(t, domain.SplitPayload{Numerator: num, Denominator: den})}
	}

	t.Run("forward split is exact", func(t *testing.T) {
		events := []domain.Event{
			issue(1, "odd", "common", 7, 700),
			issue(2, "three", "common", 3, 0),
			split(3, 2, 1),
		}
		state, err := Reconstruct(events, 3, Options{})
		require.NoError(t, err)
		assert.Equal(t, int64(14), state.Position("odd", "common").Shares)
		assert.Equal(t, int64(6), state.Position("three", "common").Shares)
		assert.Equal(t, int64(700), state.Position("odd", "common").CostBasisCents)
		assert.Equal(t, int64(20), state.TotalSharesByClass["common"])
		assert.Empty(t, state.SplitResidues)
	})

	t.Run("reverse split floors and reports residue", func(t *testing.T) {
		events := []domain.Event{
			issue(1, "odd", "common", 7, 0),
			issue(2, "even", "preferred", 4, 0),
			split(3, 1, 2),
		}
		state, err := Reconstruct(events, 3, Options{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), state.Position("odd", "common").Shares)
		assert.Equal(t, int64(2), state.Position("even", "preferred").Shares)
		assert.Equal(t, int64(3), state.TotalSharesByClass["common"])

		require.Len(t, state.SplitResidues, 1)
		residue := state.SplitResidues[0]
		assert.Equal(t, uint64(3), residue.Sequence)
		assert.Equal(t, "odd", residue.Wallet)
		assert.True(t, decimal.RequireFromString("0.5").Equal(residue.FractionalShares))
	})
}

func TestReconstruct_OverflowIsFatal(t *testing.T) {
	split := func(seq uint64, num, den int64) domain.Event {
		return domain.Event{Sequence: seq, Kind: domain.KindStockSplit, Payload: payload(t, domain.SplitPayload{Numerator: num, Denominator: den})}
	}

	tests := []struct {
		name   string
		events []domain.Event
	}{
		{
			name:   "split multiplies past int64",
			events: []domain.Event{issue(1, "alice", "common", 100_000_000, 0), split(2, 1_000_000_000_000, 1)},
		},
		{
			name: "split pushes the class total past int64",
			events: []domain.Event{
				issue(1, "alice", "common", math.MaxInt64/4, 0),
				issue(2, "bob", "common", math.MaxInt64/4, 0),
				split(3, 3, 1),
			},
		},
		{
			name:   "issue past a full position",
			events: []domain.Event{issue(1, "alice", "common", math.MaxInt64, 0), issue(2, "alice", "common", 10, 0)},
		},
		{
			name:   "issue past the class total",
			events: []domain.Event{issue(1, "alice", "common", math.MaxInt64, 0), issue(2, "bob", "common", 1, 0)},
		},
		{
			name:   "cost basis past int64",
			events: []domain.Event{issue(1, "alice", "seed", 1, math.MaxInt64), issue(2, "alice", "seed", 1, 1)},
		},
		{
			name: "transfer basis past int64",
			events: []domain.Event{
				issue(1, "alice", "seed", 1, math.MaxInt64),
				issue(2, "bob", "seed", 1, math.MaxInt64),
				transfer(3, "bob", "alice", "seed", 1),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			valid := uint64(len(tt.events) - 1)
			before, err := Reconstruct(tt.events, valid, Options{})
			require.NoError(t, err)

			state, err := Reconstruct(tt.events, 10, Options{})
			require.ErrorIs(t, err, domain.ErrInvariant)

			var replayErr *domain.ReplayError
			require.True(t, errors.As(err, &replayErr))
			assert.Equal(t, valid+1, replayErr.Sequence)
			assert.Equal(t, valid, replayErr.LastValid)

			// the failing event left no trace
			assert.Equal(t, before.SortedPositions(), state.SortedPositions())
			assert.Equal(t, before.TotalSharesByClass, state.TotalSharesByClass)
			for _, p := range state.SortedPositions() {
				assert.GreaterOrEqual(t, p.Shares, int64(0))
			}
		})
	}
}

func TestReconstruct_ConvertibleConversion(t *testing.T) {
	conversion := func(seq uint64) domain.Event {
		return domain.Event{
			Sequence:         seq,
			Kind:             domain.KindConvertibleConversion,
			PrimaryWallet:    "angel",
			ShareClass:       "seed",
			ShareCount:       100_000,
			MoneyAmountCents: 10_000_000,
			Payload:          payload(t, domain.ConversionPayload{InstrumentID: "safe-1", RoundID: "r1"}),
		}
	}

	state, err := Reconstruct([]domain.Event{conversion(1)}, 1, Options{})
	require.NoError(t, err)
	pos := state.Position("angel", "seed")
	assert.Equal(t, int64(100_000), pos.Shares)
	assert.Equal(t, int64(10_000_000), pos.CostBasisCents)
	assert.Equal(t, uint64(1), state.ConvertedInstruments["safe-1"])

	_, err = Reconstruct([]domain.Event{conversion(1), conversion(2)}, 2, Options{})
	assert.ErrorIs(t, err, domain.ErrInvariant)
}

func TestReconstruct_RoundMarkersDoNotMoveBalances(t *testing.T) {
	events := []domain.Event{
		issue(1, "alice", "common", 10, 0),
		{Sequence: 2, Kind: domain.KindFundingRoundOpened, Payload: payload(t, domain.RoundMarkerPayload{RoundID: "r1"})},
		{Sequence: 3, Kind: domain.KindFundingRoundClosed, Payload: payload(t, domain.RoundMarkerPayload{RoundID: "r1", PreMoneyCents: 100})},
	}
	state, err := Reconstruct(events, 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.TotalShares())
	require.Len(t, state.ClosedRounds, 1)
	assert.Equal(t, "r1", state.ClosedRounds[0].RoundID)
}

func TestReconstruct_VestingNeedsDefaultClass(t *testing.T) {
	events := []domain.Event{{Sequence: 1, Kind: domain.KindVestingRelease, PrimaryWallet: "dave", ShareCount: 5}}
	_, err := Reconstruct(events, 1, Options{})
	assert.ErrorIs(t, err, domain.ErrPolicy)
}
