// Package convertibles manages SAFEs and convertible notes from issuance until they
// convert into shares or are cancelled.
package convertibles

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/conversion"
	"github.com/vadiminshakov/capledger/internal/services/locks"
	"go.uber.org/zap"
)

// Appender writes event batches to the ledger.
type Appender interface {
	Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error)
}

// Store persists instruments and exposes the rounds they convert into.
type Store interface {
	SaveInstrument(inst *domain.ConvertibleInstrument) error
	Instrument(id string) (*domain.ConvertibleInstrument, bool)
	Instruments() []*domain.ConvertibleInstrument
	Round(id string) (*domain.FundingRound, bool)
}

// CreateRequest describes a new instrument. A zero IssuedAt means now.
type CreateRequest struct {
	Kind              domain.InstrumentKind `json:"kind"`
	Name              string                `json:"name"`
	HolderWallet      string                `json:"holder_wallet"`
	PrincipalCents    int64                 `json:"principal_cents"`
	ValuationCapCents int64                 `json:"valuation_cap_cents"`
	DiscountRate      decimal.Decimal       `json:"discount_rate"`
	InterestRate      decimal.Decimal       `json:"interest_rate"`
	InterestMode      domain.InterestMode   `json:"interest_mode"`
	IssuedAt          time.Time             `json:"issued_at"`
}

// ConvertResult is the outcome of converting one instrument.
type ConvertResult struct {
	Instrument *domain.ConvertibleInstrument `json:"instrument"`
	Result     conversion.Result             `json:"result"`
	Event      domain.Event                  `json:"event"`
}

// Service runs the instrument lifecycle. Status changes are one-way and each
// instrument is changed by at most one caller at a time.
type Service struct {
	l      *zap.Logger
	store  Store
	ledger Appender
	locks  *locks.Keyed
	policy conversion.Policy
	now    func() time.Time
}

// NewService creates an instrument service. locks must be shared with the round service.
func NewService(l *zap.Logger, store Store, ledger Appender, keyed *locks.Keyed, policy conversion.Policy) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	return &Service{l: l, store: store, ledger: ledger, locks: keyed, policy: policy, now: time.Now}
}

// Create records a new outstanding instrument.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.ConvertibleInstrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	mode := req.InterestMode
	if req.Kind == domain.InstrumentNote && mode == "" {
		mode = domain.InterestSimple
	}

	inst := &domain.ConvertibleInstrument{
		ID:                uuid.NewString(),
		Kind:              req.Kind,
		Name:              req.Name,
		HolderWallet:      req.HolderWallet,
		PrincipalCents:    req.PrincipalCents,
		ValuationCapCents: req.ValuationCapCents,
		DiscountRate:      req.DiscountRate,
		InterestRate:      req.InterestRate,
		InterestMode:      mode,
		IssuedAt:          issuedAt.UTC(),
		Status:            domain.InstrumentOutstanding,
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if s.policy.RequireTerms && !inst.HasCap() && !inst.HasDiscount() {
		return nil, domain.PolicyError("instrument needs a valuation cap or a discount")
	}
	if err := s.store.SaveInstrument(inst); err != nil {
		return nil, errors.Wrap(err, "save instrument")
	}

	s.l.Info("instrument created",
		zap.String("instrument", inst.ID),
		zap.String("kind", string(inst.Kind)),
		zap.String("holder", inst.HolderWallet),
		zap.Int64("principal_cents", inst.PrincipalCents))
	return inst, nil
}

// Schedule marks the instrument to convert automatically when roundID closes.
func (s *Service) Schedule(ctx context.Context, id, roundID string) (*domain.ConvertibleInstrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// same order as a closing round: round first, then instrument
	unlockRound := s.locks.Lock(locks.RoundKey(roundID))
	defer unlockRound()
	unlock := s.locks.Lock(locks.InstrumentKey(id))
	defer unlock()

	inst, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if inst.Status != domain.InstrumentOutstanding {
		return nil, errors.Wrapf(domain.ErrIllegalTransition, "instrument %s is %s", id, inst.Status)
	}
	round, ok := s.store.Round(roundID)
	if !ok {
		return nil, domain.NotFoundError("round %s", roundID)
	}
	if round.Status != domain.RoundPending {
		return nil, domain.PolicyError("round %s is %s, only pending rounds take conversions", roundID, round.Status)
	}

	inst.ScheduledRoundID = roundID
	if err := s.store.SaveInstrument(inst); err != nil {
		return nil, errors.Wrap(err, "save instrument")
	}
	return inst, nil
}

// Convert converts the instrument at the terms recorded by a closed round.
func (s *Service) Convert(ctx context.Context, id, roundID string) (*ConvertResult, error) {
	unlock := s.locks.Lock(locks.InstrumentKey(id))
	defer unlock()

	inst, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !inst.Status.CanTransition(domain.InstrumentConverted) {
		return nil, errors.Wrapf(domain.ErrIllegalTransition, "instrument %s is %s", id, inst.Status)
	}

	round, ok := s.store.Round(roundID)
	if !ok {
		return nil, domain.NotFoundError("round %s", roundID)
	}
	if round.Status != domain.RoundClosed || round.Terms == nil {
		return nil, domain.PolicyError("round %s is %s, conversions need a closed round", roundID, round.Status)
	}
	price, err := round.ExactPrice()
	if err != nil {
		return nil, err
	}

	res, err := conversion.Resolve(inst, conversion.RoundTerms{
		RoundID:              round.ID,
		PricePerShare:        price,
		PreRoundFullyDiluted: round.Terms.PreRoundShares,
		ClosedAt:             round.Terms.ClosedAt,
	}, s.policy)
	if err != nil {
		return nil, err
	}

	e, err := conversion.Event(inst, round.ID, round.ShareClass, res)
	if err != nil {
		return nil, err
	}
	appended, err := s.ledger.Append(ctx, []domain.Event{e})
	if err != nil {
		return nil, err
	}

	seq := appended[0].Sequence
	if err := inst.MarkConverted(conversion.Terms(round.ID, res, seq)); err != nil {
		return nil, err
	}
	if err := s.store.SaveInstrument(inst); err != nil {
		s.l.Error("converted instrument not persisted", zap.String("instrument", id), zap.Error(err))
	}

	s.l.Info("instrument converted",
		zap.String("instrument", id),
		zap.String("round", round.ID),
		zap.Int64("shares", res.Shares),
		zap.Uint64("sequence", seq))

	return &ConvertResult{Instrument: inst, Result: res, Event: appended[0]}, nil
}

// Cancel retires an outstanding instrument without issuing shares.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.ConvertibleInstrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(locks.InstrumentKey(id))
	defer unlock()

	inst, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := inst.Transition(domain.InstrumentCancelled); err != nil {
		return nil, err
	}
	if err := s.store.SaveInstrument(inst); err != nil {
		return nil, errors.Wrap(err, "save instrument")
	}

	s.l.Info("instrument cancelled", zap.String("instrument", id))
	return inst, nil
}

// Get returns the instrument with the given id.
func (s *Service) Get(id string) (*domain.ConvertibleInstrument, error) {
	inst, ok := s.store.Instrument(id)
	if !ok {
		return nil, domain.NotFoundError("instrument %s", id)
	}
	return inst, nil
}

// List returns every instrument.
func (s *Service) List() []*domain.ConvertibleInstrument {
	return s.store.Instruments()
}

// Outstanding returns instruments that have neither converted nor been cancelled.
func (s *Service) Outstanding() []*domain.ConvertibleInstrument {
	var out []*domain.ConvertibleInstrument
	for _, inst := range s.store.Instruments() {
		if inst.Status == domain.InstrumentOutstanding {
			out = append(out, inst)
		}
	}
	return out
}
