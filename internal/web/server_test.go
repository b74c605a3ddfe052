package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/events"
	"github.com/vadiminshakov/capledger/internal/services/conversion"
	"github.com/vadiminshakov/capledger/internal/services/convertibles"
	"github.com/vadiminshakov/capledger/internal/services/dividends"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/locks"
	"github.com/vadiminshakov/capledger/internal/services/registry"
	"github.com/vadiminshakov/capledger/internal/services/rounds"
	"github.com/vadiminshakov/capledger/internal/services/vesting"
	"github.com/vadiminshakov/capledger/internal/storage/eventlog"
	"github.com/vadiminshakov/capledger/internal/storage/records"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	log := eventlog.NewMemoryLog()
	store := records.NewMemoryStore()
	reg := registry.NewService(nil, store, log, "common")
	require.NoError(t, reg.Bootstrap(context.Background(), []domain.ShareClass{
		{ID: "pref", Name: "Preferred", Priority: 0, PreferenceMultiple: decimal.NewFromInt(1)},
		{ID: "common", Name: "Common", Priority: 1},
	}))

	broadcaster := events.NewBroadcaster(16)
	led := ledger.NewService(nil, ledger.Options{LedgerID: "acme"}, log, reg, broadcaster)
	reg.GuardWith(led)
	keyed := locks.NewKeyed()
	rnd := rounds.NewService(nil, store, led, keyed, conversion.Policy{})
	conv := convertibles.NewService(nil, store, led, keyed, conversion.Policy{})
	div := dividends.NewService(nil, store, led, keyed)
	vest := vesting.NewService(nil, store, led, keyed)

	return NewServer(nil, ":0", led, reg, rnd, conv, div, vest, broadcaster)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seed(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/events", appendRequest{Events: []domain.Event{
		{Kind: domain.KindIssue, PrimaryWallet: "founder", ShareClass: "common", ShareCount: 8_000},
		{Kind: domain.KindIssue, PrimaryWallet: "fund", ShareClass: "pref", ShareCount: 2_000, SecondaryMoneyAmountCents: 400_000},
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestLedgerEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()
	seed(t, h)

	rec := do(t, h, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[eventsResponse](t, rec)
	assert.Equal(t, uint64(2), evs.LastSequence)
	assert.Len(t, evs.Events, 2)

	rec = do(t, h, http.MethodGet, "/events?cutoff=1", nil)
	assert.Len(t, decode[eventsResponse](t, rec).Events, 1)

	rec = do(t, h, http.MethodGet, "/state?cutoff=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, state["as_of_sequence"])

	rec = do(t, h, http.MethodGet, "/captable?cutoff=latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	table := decode[ledger.CapTable](t, rec)
	assert.Equal(t, int64(10_000), table.TotalShares)
	assert.Equal(t, "founder", table.Holders[0].Wallet)

	rec = do(t, h, http.MethodGet, "/state?cutoff=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cutoff", decode[errorBody](t, rec).Field)

	rec = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAppend_ErrorStatuses(t *testing.T) {
	h := newTestServer(t).Handler()
	seed(t, h)

	tests := []struct {
		name   string
		events []domain.Event
		status int
		kind   string
	}{
		{
			name:   "unknown class",
			events: []domain.Event{{Kind: domain.KindIssue, PrimaryWallet: "a", ShareClass: "series-z", ShareCount: 1}},
			status: http.StatusBadRequest,
			kind:   "schema",
		},
		{
			name:   "overdrawn transfer",
			events: []domain.Event{{Kind: domain.KindTransfer, PrimaryWallet: "fund", SecondaryWallet: "x", ShareClass: "pref", ShareCount: 2_001}},
			status: http.StatusConflict,
			kind:   "insufficient_balance",
		},
		{
			name:   "stale sequence",
			events: []domain.Event{{Sequence: 1, Kind: domain.KindIssue, PrimaryWallet: "a", ShareClass: "common", ShareCount: 1}},
			status: http.StatusConflict,
			kind:   "sequence",
		},
		{
			name:   "empty batch",
			status: http.StatusBadRequest,
			kind:   "schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/events", appendRequest{Events: tt.events})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode[errorBody](t, rec).Kind)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"evnts": []}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyticsEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()
	seed(t, h)

	rec := do(t, h, http.MethodPost, "/waterfall", waterfallRequest{ExitAmountCents: 1_000_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	wf := decode[map[string]any](t, rec)
	assert.EqualValues(t, 0, wf["remaining_cents"])

	rec = do(t, h, http.MethodPost, "/waterfall", waterfallRequest{ExitAmountCents: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/waterfall/scenarios", scenariosRequest{ExitAmountsCents: []int64{0, 500_000, 2_000_000}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 3)

	rec = do(t, h, http.MethodPost, "/waterfall/scenarios", scenariosRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/dilution", map[string]any{
		"current_valuation_cents": 2_000_000,
		"rounds":                  []map[string]any{{"name": "A", "amount_cents": 500_000}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRoundAndConvertibleEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := do(t, h, http.MethodPost, "/events", appendRequest{Events: []domain.Event{
		{Kind: domain.KindIssue, PrimaryWallet: "founder", ShareClass: "common", ShareCount: 4_000_000},
	}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/rounds", rounds.OpenRequest{Name: "Series A", ShareClass: "pref", PreMoneyValuationCents: 800_000_000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	round := decode[domain.FundingRound](t, rec)

	rec = do(t, h, http.MethodPost, "/convertibles", convertibles.CreateRequest{
		Kind:              domain.InstrumentSAFE,
		HolderWallet:      "angel",
		PrincipalCents:    10_000_000,
		ValuationCapCents: 400_000_000,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inst := decode[domain.ConvertibleInstrument](t, rec)

	rec = do(t, h, http.MethodPost, "/convertibles/"+inst.ID+"/schedule", roundRef{RoundID: round.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/convertibles/outstanding", nil)
	assert.Len(t, decode[[]domain.ConvertibleInstrument](t, rec), 1)

	rec = do(t, h, http.MethodPost, "/rounds/"+round.ID+"/investments", rounds.InvestmentRequest{InvestorWallet: "fund", AmountCents: 100_000_000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	withInvestment := decode[domain.FundingRound](t, rec)
	require.Len(t, withInvestment.Investments, 1)

	rec = do(t, h, http.MethodPost, "/rounds/"+round.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[rounds.CloseResult](t, rec)
	assert.Equal(t, domain.RoundClosed, closed.Round.Status)
	assert.Len(t, closed.Events, 3)

	rec = do(t, h, http.MethodPost, "/rounds/"+round.ID+"/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "illegal_transition", decode[errorBody](t, rec).Kind)

	rec = do(t, h, http.MethodDelete, "/rounds/"+round.ID+"/investments/"+withInvestment.Investments[0].ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/convertibles/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.InstrumentConverted, decode[domain.ConvertibleInstrument](t, rec).Status)

	rec = do(t, h, http.MethodGet, "/rounds/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/rounds", nil)
	assert.Len(t, decode[[]domain.FundingRound](t, rec), 1)
}

func TestShareClassEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodPost, "/share-classes", domain.ShareClass{ID: "series-b", Name: "Series B", Priority: 0})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/share-classes", domain.ShareClass{ID: "series-b", Name: "Series B"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPut, "/share-classes/series-b", domain.ShareClass{Name: "Series B Preferred"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "series-b", decode[domain.ShareClass](t, rec).ID)

	rec = do(t, h, http.MethodGet, "/share-classes", nil)
	assert.Len(t, decode[[]domain.ShareClass](t, rec), 3)
}

func TestStream_ReplaysBacklogAndLiveEvents(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	seed(t, h)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readID := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "id: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "id: "))
			}
		}
	}

	assert.Equal(t, "2", readID(), "backlog after Last-Event-ID")

	require.Eventually(t, func() bool { return srv.broadcaster.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	seed(t, h)
	assert.Equal(t, "3", readID())
	assert.Equal(t, "4", readID())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.PolicyError("nope"), http.StatusBadRequest},
		{domain.NotFoundError("round x"), http.StatusNotFound},
		{domain.InvariantError("double conversion"), http.StatusConflict},
		{domain.ErrDuplicate, http.StatusConflict},
		{domain.ErrStale, http.StatusConflict},
		{context.Canceled, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}

func TestWriteError_ReplayPosition(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/state", nil)

	rec := httptest.NewRecorder()
	s.writeError(rec, req, &domain.ReplayError{Sequence: 1, LastValid: 0, Err: domain.InvariantError("overflow")})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, uint64(1), body.Sequence)
	require.NotNil(t, body.LastValid)
	assert.Equal(t, uint64(0), *body.LastValid)
	assert.Contains(t, rec.Body.String(), `"last_valid":0`)

	rec = httptest.NewRecorder()
	s.writeError(rec, req, domain.PolicyError("nope"))
	assert.NotContains(t, rec.Body.String(), "last_valid")
}

func TestDividendAndVestingEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()
	rec := do(t, h, http.MethodPost, "/events", appendRequest{Events: []domain.Event{
		{Kind: domain.KindIssue, PrimaryWallet: "alice", ShareClass: "common", ShareCount: 2},
		{Kind: domain.KindIssue, PrimaryWallet: "bob", ShareClass: "common", ShareCount: 1},
	}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/dividends", dividends.DistributeRequest{PoolCents: 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	round := decode[domain.DividendRound](t, rec)
	require.Len(t, round.Allocations, 2)
	assert.Equal(t, int64(67), round.Allocations[0].AmountCents)
	assert.Equal(t, int64(33), round.Allocations[1].AmountCents)

	rec = do(t, h, http.MethodGet, "/dividends/"+round.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/dividends/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPost, "/dividends", dividends.DistributeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/vesting", vesting.CreateRequest{
		Beneficiary:     "carol",
		TotalShares:     1_200,
		StartTime:       time.Now().AddDate(-2, 0, 0),
		CliffSeconds:    90 * 86400,
		DurationSeconds: 360 * 86400,
		Interval:        domain.IntervalMonth,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	schedule := decode[domain.VestingSchedule](t, rec)

	rec = do(t, h, http.MethodGet, "/vesting/"+schedule.ID+"/termination-preview?termination_type=for_cause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1_200), decode[domain.TerminationPreview](t, rec).Forfeited)

	rec = do(t, h, http.MethodPost, "/vesting/"+schedule.ID+"/release", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rel := decode[vesting.Release](t, rec)
	assert.Equal(t, int64(1_200), rel.Shares)
	assert.Equal(t, "common", rel.Event.ShareClass)

	rec = do(t, h, http.MethodPost, "/vesting/"+schedule.ID+"/release", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/vesting/"+schedule.ID+"/terminate", vesting.TerminateRequest{Type: "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/vesting?beneficiary=carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.VestingSchedule](t, rec), 1)
}
