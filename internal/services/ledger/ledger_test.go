package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/dilution"
	"github.com/vadiminshakov/capledger/internal/services/registry"
	"github.com/vadiminshakov/capledger/internal/services/replay"
	"github.com/vadiminshakov/capledger/internal/storage/eventlog"
	"github.com/vadiminshakov/capledger/internal/storage/records"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	batches [][]domain.Event
}

func (r *recorder) Publish(batch []domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func newLedger(t *testing.T) (*Service, *eventlog.Log, *recorder) {
	t.Helper()
	ctx := context.Background()

	log := eventlog.NewMemoryLog()
	reg := registry.NewService(nil, records.NewMemoryStore(), log, "common")
	require.NoError(t, reg.Bootstrap(ctx, []domain.ShareClass{
		{ID: "pref", Name: "Preferred", Priority: 0, PreferenceMultiple: decimal.NewFromInt(1)},
		{ID: "common", Name: "Common", Priority: 1},
	}))

	pub := &recorder{}
	svc := NewService(nil, Options{LedgerID: "acme", CacheEntries: 4}, log, reg, pub)
	svc.now = func() time.Time { return fixedNow }
	reg.GuardWith(svc)
	return svc, log, pub
}

func issue(wallet, class string, shares, basis int64) domain.Event {
	return domain.Event{Kind: domain.KindIssue, PrimaryWallet: wallet, ShareClass: class, ShareCount: shares, SecondaryMoneyAmountCents: basis}
}

func transfer(from, to, class string, shares int64) domain.Event {
	return domain.Event{Kind: domain.KindTransfer, PrimaryWallet: from, SecondaryWallet: to, ShareClass: class, ShareCount: shares}
}

func TestAppend_AndPointInTimeState(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newLedger(t)

	appended, err := svc.Append(ctx, []domain.Event{
		issue("alice", "common", 1_000, 0),
		issue("fund", "pref", 500, 100_000),
	})
	require.NoError(t, err)
	require.Len(t, appended, 2)
	assert.Equal(t, fixedNow, appended[0].Timestamp)

	_, err = svc.Append(ctx, []domain.Event{transfer("alice", "bob", "common", 400)})
	require.NoError(t, err)

	latest, err := svc.State(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.AsOfSequence)
	assert.Equal(t, int64(600), latest.Position("alice", "common").Shares)

	past, err := svc.State(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), past.Position("alice", "common").Shares)
	assert.Equal(t, int64(0), past.Position("fund", "pref").Shares)

	assert.Len(t, pub.batches, 2)
	assert.Len(t, svc.Events(2), 2)
	assert.Len(t, svc.Since(1), 2)
}

func TestAppend_RejectsWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	svc, log, pub := newLedger(t)

	_, err := svc.Append(ctx, []domain.Event{issue("alice", "common", 10, 0)})
	require.NoError(t, err)

	_, err = svc.Append(ctx, []domain.Event{
		issue("bob", "common", 5, 0),
		transfer("alice", "carol", "common", 11),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, uint64(1), log.LastSequence())

	_, err = svc.Append(ctx, []domain.Event{issue("bob", "series-z", 5, 0)})
	assert.ErrorIs(t, err, domain.ErrSchema)

	_, err = svc.Append(ctx, []domain.Event{{Kind: "burn", PrimaryWallet: "x"}})
	assert.ErrorIs(t, err, domain.ErrSchema)

	_, err = svc.Append(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrSchema)

	assert.Len(t, pub.batches, 1)
	state, err := svc.State(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.TotalShares())
}

func TestAppend_VestingGetsDefaultClass(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newLedger(t)

	appended, err := svc.Append(ctx, []domain.Event{{Kind: domain.KindVestingRelease, PrimaryWallet: "dev", ShareCount: 25}})
	require.NoError(t, err)
	assert.Equal(t, "common", appended[0].ShareClass)

	state, err := svc.State(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, int64(25), state.Position("dev", "common").Shares)
}

func TestState_CacheAndResume(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newLedger(t)

	for i := 0; i < 6; i++ {
		_, err := svc.Append(ctx, []domain.Event{issue("alice", "common", 1, 0)})
		require.NoError(t, err)
	}

	// cutoffs past the end clamp to the last sequence
	far, err := svc.State(ctx, 1_000)
	require.NoError(t, err)
	latest, err := svc.State(ctx, Latest)
	require.NoError(t, err)
	assert.Same(t, far, latest)

	mid, err := svc.State(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), mid.TotalShares())
	assert.LessOrEqual(t, svc.cache.len(), 4)

	svc.InvalidateFrom(3)
	_, cached := svc.cache.get(3)
	assert.False(t, cached)

	again, err := svc.State(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, mid, again)
}

func TestState_ConcurrentReadersMatchFullFold(t *testing.T) {
	ctx := context.Background()
	svc, log, _ := newLedger(t)

	_, err := svc.Append(ctx, []domain.Event{issue("alice", "common", 1_000, 0), issue("fund", "pref", 100, 5_000)})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := svc.Append(ctx, []domain.Event{transfer("alice", "bob", "common", 10)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for cutoff := uint64(0); cutoff <= log.LastSequence(); cutoff++ {
		wg.Add(1)
		go func(cutoff uint64) {
			defer wg.Done()
			got, err := svc.State(ctx, cutoff)
			assert.NoError(t, err)
			want, err := replay.Reconstruct(log.Events(cutoff), cutoff, replay.Options{})
			assert.NoError(t, err)
			assert.Equal(t, want.SortedPositions(), got.SortedPositions(), "cutoff %d", cutoff)
		}(cutoff)
	}
	wg.Wait()
}

func TestState_CancelledContext(t *testing.T) {
	svc, _, _ := newLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.State(ctx, Latest)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalytics(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newLedger(t)

	closed, err := domain.NewEvent(domain.KindFundingRoundClosed, domain.RoundMarkerPayload{RoundID: "seed", PostMoneyCents: 2_000_000})
	require.NoError(t, err)

	_, err = svc.Append(ctx, []domain.Event{
		issue("founder", "common", 8_000, 0),
		issue("fund", "pref", 2_000, 400_000),
		closed,
	})
	require.NoError(t, err)

	wf, err := svc.Waterfall(ctx, Latest, 1_000_000)
	require.NoError(t, err)
	payouts := wf.PayoutsByWallet()
	// 400,000 preference, then 600,000 shared 8:2
	assert.Equal(t, int64(400_000+120_000), payouts["fund"])
	assert.Equal(t, int64(480_000), payouts["founder"])

	scenarios, err := svc.WaterfallScenarios(ctx, 2, []int64{100, 200})
	require.NoError(t, err)
	assert.Len(t, scenarios, 2)

	proj, err := svc.Dilution(ctx, Latest, dilution.Request{Rounds: []dilution.Round{{Name: "A", AmountCents: 500_000}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), proj.Before.ValuationCents)
	assert.Equal(t, int64(2_500), proj.NewInvestors[0].SharesReceived)

	table, err := svc.CapTable(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, "acme", table.LedgerID)
	assert.Equal(t, int64(10_000), table.TotalShares)
	assert.Equal(t, int64(400_000), table.TotalCostBasisCents)
	require.Len(t, table.Holders, 2)
	assert.Equal(t, "founder", table.Holders[0].Wallet)
	assert.True(t, decimal.NewFromInt(80).Equal(table.Holders[0].OwnershipPct))
	require.Len(t, table.Classes, 2)
	assert.Equal(t, "pref", table.Classes[0].ID)
	assert.Equal(t, "Preferred", table.Classes[0].Name)
}

func TestAppendAfter_RejectsStaleBatch(t *testing.T) {
	ctx := context.Background()
	svc, log, pub := newLedger(t)

	_, err := svc.Append(ctx, []domain.Event{issue("alice", "common", 100, 0)})
	require.NoError(t, err)
	seen := svc.LastSequence()

	_, err = svc.Append(ctx, []domain.Event{issue("bob", "common", 50, 0)})
	require.NoError(t, err)

	_, err = svc.AppendAfter(ctx, seen, []domain.Event{issue("carol", "common", 10, 0)})
	assert.ErrorIs(t, err, domain.ErrStale)
	assert.Equal(t, uint64(2), log.LastSequence())
	assert.Len(t, pub.batches, 2)

	appended, err := svc.AppendAfter(ctx, svc.LastSequence(), []domain.Event{issue("carol", "common", 10, 0)})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), appended[0].Sequence)
}

func TestExclusive_HoldsOffAppends(t *testing.T) {
	ctx := context.Background()
	svc, log, _ := newLedger(t)

	done := make(chan error, 1)
	err := svc.Exclusive(func() error {
		go func() {
			_, err := svc.Append(ctx, []domain.Event{issue("alice", "common", 100, 0)})
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, log.LastSequence())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), log.LastSequence())
}
