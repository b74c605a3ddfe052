// Package dividends runs dividend distribution rounds: a pool of cash is split over the
// holders at a cutoff pro rata by shares and every payment lands on the ledger as a
// DividendPayment event.
package dividends

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/locks"
	"go.uber.org/zap"
)

const (
	distributeAttempts = 3
	perSharePlaces     = 8
)

// Ledger is the part of the ledger the dividend service reads and writes through.
type Ledger interface {
	State(ctx context.Context, cutoff uint64) (*domain.LedgerState, error)
	Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error)
	AppendAfter(ctx context.Context, after uint64, batch []domain.Event) ([]domain.Event, error)
	Events(cutoff uint64) []domain.Event
}

// Store persists distribution rounds.
type Store interface {
	SaveDividendRound(r *domain.DividendRound) error
	DividendRound(id string) (*domain.DividendRound, bool)
	DividendRounds() []*domain.DividendRound
	ShareClass(id string) (domain.ShareClass, bool)
}

// DistributeRequest describes a distribution. A zero CutoffSequence snapshots the
// newest state; ShareClass restricts eligibility to one class.
type DistributeRequest struct {
	Name           string `json:"name,omitempty"`
	PoolCents      int64  `json:"pool_cents"`
	ShareClass     string `json:"share_class,omitempty"`
	CutoffSequence uint64 `json:"cutoff_sequence,omitempty"`
}

// Service manages dividend rounds.
type Service struct {
	l      *zap.Logger
	store  Store
	ledger Ledger
	locks  *locks.Keyed
	now    func() time.Time
}

// NewService creates a dividend service.
func NewService(l *zap.Logger, store Store, ledger Ledger, keyed *locks.Keyed) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	return &Service{l: l, store: store, ledger: ledger, locks: keyed, now: time.Now}
}

// Distribute allocates the pool over the eligible holders and appends one payment per
// holder in a single batch. Against the newest state the batch is only appended while
// the log has not moved since the snapshot; the allocation is redone otherwise.
func (s *Service) Distribute(ctx context.Context, req DistributeRequest) (*domain.DividendRound, error) {
	if req.PoolCents <= 0 {
		return nil, &domain.SchemaError{Field: "pool_cents", Reason: "must be positive"}
	}
	if req.ShareClass != "" {
		if _, ok := s.store.ShareClass(req.ShareClass); !ok {
			return nil, domain.NotFoundError("share class %s", req.ShareClass)
		}
	}

	round := &domain.DividendRound{
		ID:         uuid.NewString(),
		Name:       req.Name,
		ShareClass: req.ShareClass,
		PoolCents:  req.PoolCents,
		CreatedAt:  s.now().UTC(),
	}
	unlock := s.locks.Lock(locks.DividendKey(round.ID))
	defer unlock()

	var appended []domain.Event
	for attempt := 1; ; attempt++ {
		cutoff := ledger.Latest
		if req.CutoffSequence > 0 {
			cutoff = req.CutoffSequence
		}
		state, err := s.ledger.State(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		batch, err := s.plan(round, state)
		if err != nil {
			return nil, err
		}

		if req.CutoffSequence > 0 {
			appended, err = s.ledger.Append(ctx, batch)
		} else {
			appended, err = s.ledger.AppendAfter(ctx, state.AsOfSequence, batch)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrStale) || attempt == distributeAttempts {
			return nil, err
		}
		s.l.Warn("log moved while distributing, reallocating",
			zap.String("dividend", round.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	for i := range round.Allocations {
		round.Allocations[i].Sequence = appended[i].Sequence
	}
	if err := s.store.SaveDividendRound(round); err != nil {
		s.l.Error("dividend round not persisted", zap.String("dividend", round.ID), zap.Error(err))
	}

	s.l.Info("dividend distributed",
		zap.String("dividend", round.ID),
		zap.Int64("pool_cents", round.PoolCents),
		zap.Int("payments", len(round.Allocations)),
		zap.Uint64("cutoff", round.CutoffSequence),
		zap.String("per_share", round.AmountPerShare.String()))

	return round, nil
}

// plan fills round from state and returns the payment batch.
func (s *Service) plan(round *domain.DividendRound, state *domain.LedgerState) ([]domain.Event, error) {
	holders := eligibleHolders(state, round.ShareClass)
	allocations, eligible, err := domain.AllocateDividend(round.PoolCents, holders)
	if err != nil {
		return nil, err
	}
	round.CutoffSequence = state.AsOfSequence
	round.EligibleShares = eligible
	round.AmountPerShare = decimal.NewFromInt(round.PoolCents).DivRound(decimal.NewFromInt(eligible), perSharePlaces)
	round.Allocations = allocations

	batch := make([]domain.Event, 0, len(allocations))
	for _, a := range allocations {
		e, err := domain.NewEvent(domain.KindDividendPayment, domain.DividendPayload{
			RoundID:        round.ID,
			CutoffSequence: round.CutoffSequence,
			ShareClass:     round.ShareClass,
		})
		if err != nil {
			return nil, err
		}
		e.PrimaryWallet = a.Wallet
		e.MoneyAmountCents = a.AmountCents
		e.IdempotencyKey = paymentKey(round.ID, a.Wallet)
		e.Timestamp = round.CreatedAt
		batch = append(batch, e)
	}
	return batch, nil
}

// Get returns the dividend round with the given id.
func (s *Service) Get(id string) (*domain.DividendRound, error) {
	r, ok := s.store.DividendRound(id)
	if !ok {
		return nil, domain.NotFoundError("dividend round %s", id)
	}
	return r, nil
}

// List returns every dividend round, oldest first.
func (s *Service) List() []*domain.DividendRound {
	return s.store.DividendRounds()
}

// Reconcile recreates dividend round records whose payments reached the log but whose
// record was never saved.
func (s *Service) Reconcile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	byRound := make(map[string][]domain.Event)
	payload := make(map[string]domain.DividendPayload)
	for _, e := range s.ledger.Events(ledger.Latest) {
		if e.Kind != domain.KindDividendPayment {
			continue
		}
		var p domain.DividendPayload
		if err := e.DecodePayload(&p); err != nil {
			return errors.Wrapf(err, "reconcile dividend payment %d", e.Sequence)
		}
		if p.RoundID == "" {
			continue
		}
		byRound[p.RoundID] = append(byRound[p.RoundID], e)
		payload[p.RoundID] = p
	}

	ids := make([]string, 0, len(byRound))
	for id := range byRound {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := s.reconcileRound(ctx, id, payload[id], byRound[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) reconcileRound(ctx context.Context, id string, p domain.DividendPayload, payments []domain.Event) error {
	unlock := s.locks.Lock(locks.DividendKey(id))
	defer unlock()

	if _, ok := s.store.DividendRound(id); ok {
		return nil
	}

	state, err := s.ledger.State(ctx, p.CutoffSequence)
	if err != nil {
		return errors.Wrapf(err, "reconcile dividend round %s", id)
	}
	holders := eligibleHolders(state, p.ShareClass)

	round := &domain.DividendRound{
		ID:             id,
		ShareClass:     p.ShareClass,
		CutoffSequence: p.CutoffSequence,
		CreatedAt:      payments[0].Timestamp,
	}
	for _, shares := range holders {
		round.EligibleShares += shares
	}
	for _, e := range payments {
		round.PoolCents += e.MoneyAmountCents
		round.Allocations = append(round.Allocations, domain.DividendAllocation{
			Wallet:      e.PrimaryWallet,
			Shares:      holders[e.PrimaryWallet],
			AmountCents: e.MoneyAmountCents,
			Sequence:    e.Sequence,
		})
	}
	if round.EligibleShares > 0 {
		round.AmountPerShare = decimal.NewFromInt(round.PoolCents).DivRound(decimal.NewFromInt(round.EligibleShares), perSharePlaces)
	}

	if err := s.store.SaveDividendRound(round); err != nil {
		return errors.Wrapf(err, "reconcile dividend round %s", id)
	}
	s.l.Warn("dividend round repaired from log", zap.String("dividend", id), zap.Int("payments", len(payments)))
	return nil
}

// eligibleHolders sums positive holdings per wallet, restricted to class when set.
func eligibleHolders(state *domain.LedgerState, class string) map[string]int64 {
	holders := make(map[string]int64)
	for _, p := range state.SortedPositions() {
		if p.Shares <= 0 || (class != "" && p.ShareClass != class) {
			continue
		}
		holders[p.Wallet] += p.Shares
	}
	return holders
}

func paymentKey(roundID, wallet string) string { return "dividend/" + roundID + "/" + wallet }
