// Package rounds runs the funding round lifecycle: investments accumulate while a round
// is pending, and closing it prices the round, converts scheduled instruments and
// issues shares in a single atomic batch.
package rounds

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/conversion"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/locks"
	"go.uber.org/zap"
)

// Ledger is the part of the ledger the round service writes through.
type Ledger interface {
	State(ctx context.Context, cutoff uint64) (*domain.LedgerState, error)
	Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error)
	AppendAfter(ctx context.Context, after uint64, batch []domain.Event) ([]domain.Event, error)
	Events(cutoff uint64) []domain.Event
}

// Store persists rounds and the instruments that convert into them.
type Store interface {
	SaveRound(r *domain.FundingRound) error
	Round(id string) (*domain.FundingRound, bool)
	Rounds() []*domain.FundingRound
	SaveInstrument(inst *domain.ConvertibleInstrument) error
	Instrument(id string) (*domain.ConvertibleInstrument, bool)
	Instruments() []*domain.ConvertibleInstrument
	ShareClass(id string) (domain.ShareClass, bool)
}

// OpenRequest describes a new round.
type OpenRequest struct {
	Name                   string `json:"name"`
	ShareClass             string `json:"share_class"`
	PreMoneyValuationCents int64  `json:"pre_money_valuation_cents"`
}

// InvestmentRequest is a commitment to a pending round.
type InvestmentRequest struct {
	InvestorWallet string `json:"investor_wallet"`
	AmountCents    int64  `json:"amount_cents"`
}

// Conversion is one instrument converted at close.
type Conversion struct {
	InstrumentID string            `json:"instrument_id"`
	HolderWallet string            `json:"holder_wallet"`
	Result       conversion.Result `json:"result"`
	Sequence     uint64            `json:"sequence"`
}

// CloseResult describes a closed round.
type CloseResult struct {
	Round       *domain.FundingRound    `json:"round"`
	Issuances   []domain.IssuanceRecord `json:"issuances"`
	Conversions []Conversion            `json:"conversions"`
	Events      []domain.Event          `json:"events"`
}

// Service manages funding rounds.
type Service struct {
	l      *zap.Logger
	store  Store
	ledger Ledger
	locks  *locks.Keyed
	policy conversion.Policy
	now    func() time.Time
}

// NewService creates a round service. locks must be shared with the instrument service.
func NewService(l *zap.Logger, store Store, ledger Ledger, keyed *locks.Keyed, policy conversion.Policy) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	return &Service{l: l, store: store, ledger: ledger, locks: keyed, policy: policy, now: time.Now}
}

// Open creates a pending round and records its opening marker.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*domain.FundingRound, error) {
	round := &domain.FundingRound{
		ID:                     uuid.NewString(),
		Name:                   req.Name,
		ShareClass:             req.ShareClass,
		PreMoneyValuationCents: req.PreMoneyValuationCents,
		Status:                 domain.RoundPending,
		OpenedAt:               s.now().UTC(),
	}
	if err := round.Validate(); err != nil {
		return nil, err
	}
	if _, ok := s.store.ShareClass(round.ShareClass); !ok {
		return nil, domain.NotFoundError("share class %s", round.ShareClass)
	}

	marker, err := domain.NewEvent(domain.KindFundingRoundOpened, domain.RoundMarkerPayload{
		RoundID:       round.ID,
		Name:          round.Name,
		PreMoneyCents: round.PreMoneyValuationCents,
	})
	if err != nil {
		return nil, err
	}
	marker.Timestamp = round.OpenedAt
	if _, err := s.ledger.Append(ctx, []domain.Event{marker}); err != nil {
		return nil, err
	}
	if err := s.store.SaveRound(round); err != nil {
		return nil, errors.Wrap(err, "save round")
	}

	s.l.Info("round opened", zap.String("round", round.ID), zap.String("name", round.Name))
	return round, nil
}

// AddInvestment records a commitment on a pending round.
func (s *Service) AddInvestment(ctx context.Context, roundID string, req InvestmentRequest) (*domain.FundingRound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(locks.RoundKey(roundID))
	defer unlock()

	round, err := s.Get(roundID)
	if err != nil {
		return nil, err
	}
	err = round.AddInvestment(domain.Investment{
		ID:             uuid.NewString(),
		InvestorWallet: req.InvestorWallet,
		AmountCents:    req.AmountCents,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRound(round); err != nil {
		return nil, errors.Wrap(err, "save round")
	}
	return round, nil
}

// RemoveInvestment withdraws a commitment from a pending round.
func (s *Service) RemoveInvestment(ctx context.Context, roundID, investmentID string) (*domain.FundingRound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(locks.RoundKey(roundID))
	defer unlock()

	round, err := s.Get(roundID)
	if err != nil {
		return nil, err
	}
	if err := round.RemoveInvestment(investmentID); err != nil {
		return nil, err
	}
	if err := s.store.SaveRound(round); err != nil {
		return nil, errors.Wrap(err, "save round")
	}
	return round, nil
}

// Cancel abandons a pending round. Instruments scheduled against it stay outstanding
// and lose their schedule.
func (s *Service) Cancel(ctx context.Context, roundID string) (*domain.FundingRound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(locks.RoundKey(roundID))
	defer unlock()

	round, err := s.Get(roundID)
	if err != nil {
		return nil, err
	}
	if err := round.Transition(domain.RoundCancelled); err != nil {
		return nil, err
	}
	if err := s.store.SaveRound(round); err != nil {
		return nil, errors.Wrap(err, "save round")
	}

	ids := s.scheduledFor(roundID)
	unlockInstruments := s.locks.LockAll(instrumentKeys(ids)...)
	defer unlockInstruments()
	for _, id := range ids {
		inst, ok := s.store.Instrument(id)
		if !ok || inst.ScheduledRoundID != roundID || inst.Status != domain.InstrumentOutstanding {
			continue
		}
		inst.ScheduledRoundID = ""
		if err := s.store.SaveInstrument(inst); err != nil {
			return nil, errors.Wrapf(err, "unschedule instrument %s", id)
		}
	}

	s.l.Info("round cancelled", zap.String("round", roundID), zap.Int("unscheduled", len(ids)))
	return round, nil
}

// closeAttempts bounds how often Close rebuilds its batch when other writers keep
// moving the log between the read and the append.
const closeAttempts = 3

// Close prices the round at pre-money / shares issued so far, converts every
// instrument scheduled against it and issues shares to each investor. The batch is
// [FundingRoundClosed, ConvertibleConversion..., Issue...] and is appended atomically,
// only if the log has not moved since the state it was priced against; statuses only
// flip once the append succeeded.
func (s *Service) Close(ctx context.Context, roundID string) (*CloseResult, error) {
	unlock := s.locks.Lock(locks.RoundKey(roundID))
	defer unlock()

	round, err := s.Get(roundID)
	if err != nil {
		return nil, err
	}
	if !round.Status.CanTransition(domain.RoundClosed) {
		return nil, errors.Wrapf(domain.ErrIllegalTransition, "round %s is %s", round.ID, round.Status)
	}
	if round.TotalRaised() == 0 {
		return nil, domain.PolicyError("round %s has no investments", round.ID)
	}

	ids := s.scheduledFor(roundID)
	unlockInstruments := s.locks.LockAll(instrumentKeys(ids)...)
	defer unlockInstruments()

	closedAt := s.now().UTC()
	var plan *closePlan
	var appended []domain.Event
	for attempt := 1; ; attempt++ {
		state, err := s.ledger.State(ctx, ledger.Latest)
		if err != nil {
			return nil, err
		}
		plan, err = s.planClose(round, ids, state.TotalShares(), closedAt)
		if err != nil {
			return nil, err
		}
		appended, err = s.ledger.AppendAfter(ctx, state.AsOfSequence, plan.batch)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStale) || attempt == closeAttempts {
			return nil, err
		}
		s.l.Warn("log moved while closing round, repricing",
			zap.String("round", round.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	res := plan.result
	res.Events = appended

	// the log is authoritative from here on; record failures are repaired by Reconcile
	terms := plan.terms
	terms.ClosedSequence = appended[0].Sequence
	for i := range res.Issuances {
		res.Issuances[i].Sequence = appended[1+len(plan.instruments)+i].Sequence
	}
	terms.Issuances = append([]domain.IssuanceRecord(nil), res.Issuances...)
	if err := round.MarkClosed(terms); err != nil {
		return nil, err
	}
	if err := s.store.SaveRound(round); err != nil {
		s.l.Error("closed round not persisted", zap.String("round", round.ID), zap.Error(err))
	}
	for i, inst := range plan.instruments {
		seq := appended[1+i].Sequence
		res.Conversions[i].Sequence = seq
		if err := inst.MarkConverted(conversion.Terms(round.ID, res.Conversions[i].Result, seq)); err != nil {
			s.l.Error("instrument status not updated", zap.String("instrument", inst.ID), zap.Error(err))
			continue
		}
		if err := s.store.SaveInstrument(inst); err != nil {
			s.l.Error("converted instrument not persisted", zap.String("instrument", inst.ID), zap.Error(err))
		}
	}

	res.Round = round
	s.l.Info("round closed",
		zap.String("round", round.ID),
		zap.String("price_per_share", terms.PricePerShare.Decimal().String()),
		zap.Int64("pre_round_shares", terms.PreRoundShares),
		zap.String("residue_cents", terms.ResidueCents().String()),
		zap.Int("conversions", len(res.Conversions)),
		zap.Int("issuances", len(res.Issuances)),
		zap.Uint64("sequence", terms.ClosedSequence))

	return res, nil
}

type closePlan struct {
	batch       []domain.Event
	terms       domain.RoundTerms
	instruments []*domain.ConvertibleInstrument
	result      *CloseResult
}

// planClose prices round against preRoundShares and builds the close batch.
func (s *Service) planClose(round *domain.FundingRound, ids []string, preRoundShares int64, closedAt time.Time) (*closePlan, error) {
	price, err := domain.NewPrice(round.PreMoneyValuationCents, preRoundShares)
	if err != nil {
		return nil, err
	}

	raised := round.TotalRaised()
	plan := &closePlan{
		terms: domain.RoundTerms{
			PricePerShare:     price,
			PreRoundShares:    preRoundShares,
			AmountRaisedCents: raised,
			PostMoneyCents:    round.PreMoneyValuationCents + raised,
			ClosedAt:          closedAt,
		},
		result: &CloseResult{},
	}

	marker, err := domain.NewEvent(domain.KindFundingRoundClosed, domain.RoundMarkerPayload{
		RoundID:           round.ID,
		Name:              round.Name,
		PreMoneyCents:     round.PreMoneyValuationCents,
		PricePerShare:     price.Decimal(),
		PreRoundShares:    preRoundShares,
		AmountRaisedCents: raised,
		PostMoneyCents:    plan.terms.PostMoneyCents,
	})
	if err != nil {
		return nil, err
	}
	marker.IdempotencyKey = closeKey(round.ID)
	plan.batch = []domain.Event{marker}

	roundTerms := conversion.RoundTerms{RoundID: round.ID, PricePerShare: price, PreRoundFullyDiluted: preRoundShares, ClosedAt: closedAt}
	for _, id := range ids {
		inst, ok := s.store.Instrument(id)
		if !ok || inst.Status != domain.InstrumentOutstanding || inst.ScheduledRoundID != round.ID {
			continue
		}
		resolved, err := conversion.Resolve(inst, roundTerms, s.policy)
		if err != nil {
			return nil, errors.Wrapf(err, "convert instrument %s", inst.ID)
		}
		e, err := conversion.Event(inst, round.ID, round.ShareClass, resolved)
		if err != nil {
			return nil, err
		}
		plan.batch = append(plan.batch, e)
		plan.instruments = append(plan.instruments, inst)
		plan.result.Conversions = append(plan.result.Conversions, Conversion{InstrumentID: inst.ID, HolderWallet: inst.HolderWallet, Result: resolved})
	}

	issuances, err := issuancesAt(round, price)
	if err != nil {
		return nil, err
	}
	for _, is := range issuances {
		plan.batch = append(plan.batch, domain.Event{
			Kind:                      domain.KindIssue,
			PrimaryWallet:             is.InvestorWallet,
			ShareClass:                round.ShareClass,
			ShareCount:                is.Shares,
			SecondaryMoneyAmountCents: is.AmountCents,
			ExternalTxRef:             is.InvestmentID,
			IdempotencyKey:            investmentKey(is.InvestmentID),
		})
	}
	plan.result.Issuances = issuances

	for i := range plan.batch {
		plan.batch[i].Timestamp = closedAt
	}
	return plan, nil
}

// issuancesAt floors every investment of round into whole shares at price.
func issuancesAt(round *domain.FundingRound, price domain.Price) ([]domain.IssuanceRecord, error) {
	out := make([]domain.IssuanceRecord, 0, len(round.Investments))
	for _, inv := range round.Investments {
		shares, residue := price.SharesFor(inv.AmountCents)
		if shares == 0 {
			return nil, domain.PolicyError("investment %s of %d cents buys no whole share at %s", inv.ID, inv.AmountCents, price.Decimal())
		}
		out = append(out, domain.IssuanceRecord{
			InvestmentID:   inv.ID,
			InvestorWallet: inv.InvestorWallet,
			AmountCents:    inv.AmountCents,
			Shares:         shares,
			ResidueCents:   residue,
		})
	}
	return out, nil
}

func closeKey(roundID string) string { return "round-close/" + roundID }

func investmentKey(investmentID string) string { return "investment/" + investmentID }

// Get returns the round with the given id.
func (s *Service) Get(id string) (*domain.FundingRound, error) {
	round, ok := s.store.Round(id)
	if !ok {
		return nil, domain.NotFoundError("round %s", id)
	}
	return round, nil
}

// List returns every round, oldest first.
func (s *Service) List() []*domain.FundingRound {
	return s.store.Rounds()
}

// Reconcile brings round and instrument records in line with the log after a crash
// between an append and the record update that follows it. Terms are rebuilt from the
// logged events, so repaired records carry the same prices, sequences and residues a
// clean close would have stored.
func (s *Service) Reconcile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	evs := s.ledger.Events(ledger.Latest)
	issuedAt := make(map[string]uint64)
	for _, e := range evs {
		if e.Kind == domain.KindIssue && e.ExternalTxRef != "" {
			issuedAt[e.ExternalTxRef] = e.Sequence
		}
	}

	for _, e := range evs {
		switch e.Kind {
		case domain.KindFundingRoundClosed:
			if err := s.reconcileRound(e, issuedAt); err != nil {
				return err
			}
		case domain.KindConvertibleConversion:
			if err := s.reconcileInstrument(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) reconcileRound(e domain.Event, issuedAt map[string]uint64) error {
	var marker domain.RoundMarkerPayload
	if err := e.DecodePayload(&marker); err != nil {
		return errors.Wrapf(err, "reconcile round marker %d", e.Sequence)
	}

	unlock := s.locks.Lock(locks.RoundKey(marker.RoundID))
	defer unlock()

	round, ok := s.store.Round(marker.RoundID)
	if !ok || round.Status != domain.RoundPending {
		return nil
	}
	price, err := domain.NewPrice(marker.PreMoneyCents, marker.PreRoundShares)
	if err != nil {
		return errors.Wrapf(err, "reconcile round %s", round.ID)
	}
	issuances, err := issuancesAt(round, price)
	if err != nil {
		return errors.Wrapf(err, "reconcile round %s", round.ID)
	}
	for i := range issuances {
		issuances[i].Sequence = issuedAt[issuances[i].InvestmentID]
	}

	if err := round.MarkClosed(domain.RoundTerms{
		PricePerShare:     price,
		PreRoundShares:    marker.PreRoundShares,
		AmountRaisedCents: marker.AmountRaisedCents,
		PostMoneyCents:    marker.PostMoneyCents,
		ClosedAt:          e.Timestamp,
		ClosedSequence:    e.Sequence,
		Issuances:         issuances,
	}); err != nil {
		return err
	}
	if err := s.store.SaveRound(round); err != nil {
		return errors.Wrapf(err, "reconcile round %s", round.ID)
	}
	s.l.Warn("round status repaired from log", zap.String("round", round.ID), zap.Uint64("sequence", e.Sequence))
	return nil
}

func (s *Service) reconcileInstrument(e domain.Event) error {
	var p domain.ConversionPayload
	if err := e.DecodePayload(&p); err != nil {
		return errors.Wrapf(err, "reconcile conversion %d", e.Sequence)
	}

	unlock := s.locks.Lock(locks.InstrumentKey(p.InstrumentID))
	defer unlock()

	inst, ok := s.store.Instrument(p.InstrumentID)
	if !ok || inst.Status != domain.InstrumentOutstanding {
		return nil
	}
	err := inst.MarkConverted(domain.ConversionTerms{
		RoundID:         p.RoundID,
		SharesReceived:  e.ShareCount,
		ConversionPrice: p.ConversionPrice,
		AmountCents:     e.MoneyAmountCents,
		InterestCents:   p.InterestCents,
		ResidueCents:    p.ResidueCents,
		Sequence:        e.Sequence,
	})
	if err != nil {
		return err
	}
	if err := s.store.SaveInstrument(inst); err != nil {
		return errors.Wrapf(err, "reconcile instrument %s", inst.ID)
	}
	s.l.Warn("instrument status repaired from log", zap.String("instrument", inst.ID), zap.Uint64("sequence", e.Sequence))
	return nil
}

func (s *Service) scheduledFor(roundID string) []string {
	var ids []string
	for _, inst := range s.store.Instruments() {
		if inst.ScheduledRoundID == roundID && inst.Status == domain.InstrumentOutstanding {
			ids = append(ids, inst.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func instrumentKeys(ids []string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = locks.InstrumentKey(id)
	}
	return keys
}
