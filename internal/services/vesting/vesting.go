// Package vesting manages vesting schedules. Shares vest in equal steps after a cliff
// and reach the ledger as VestingRelease events when released.
package vesting

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/locks"
	"go.uber.org/zap"
)

// Ledger is the part of the ledger the vesting service writes through.
type Ledger interface {
	Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error)
	Events(cutoff uint64) []domain.Event
}

// Store persists schedules.
type Store interface {
	SaveVestingSchedule(v *domain.VestingSchedule) error
	VestingSchedule(id string) (*domain.VestingSchedule, bool)
	VestingSchedules() []*domain.VestingSchedule
}

// CreateRequest describes a grant.
type CreateRequest struct {
	Beneficiary     string                 `json:"beneficiary"`
	TotalShares     int64                  `json:"total_shares"`
	CostBasisCents  int64                  `json:"cost_basis_cents,omitempty"`
	StartTime       time.Time              `json:"start_time"`
	CliffSeconds    int64                  `json:"cliff_seconds"`
	DurationSeconds int64                  `json:"duration_seconds"`
	Interval        domain.VestingInterval `json:"interval"`
}

// TerminateRequest ends a schedule.
type TerminateRequest struct {
	Type  domain.TerminationType `json:"termination_type"`
	Notes string                 `json:"notes,omitempty"`
}

// Release is one release appended to the ledger.
type Release struct {
	ScheduleID string       `json:"schedule_id"`
	Shares     int64        `json:"shares"`
	Event      domain.Event `json:"event"`
}

// TerminateResult is the frozen outcome and the release of anything still owed.
type TerminateResult struct {
	Schedule *domain.VestingSchedule   `json:"schedule"`
	Preview  domain.TerminationPreview `json:"preview"`
	Release  *Release                  `json:"release,omitempty"`
}

// Service manages vesting schedules.
type Service struct {
	l      *zap.Logger
	store  Store
	ledger Ledger
	locks  *locks.Keyed
	now    func() time.Time
}

// NewService creates a vesting service.
func NewService(l *zap.Logger, store Store, ledger Ledger, keyed *locks.Keyed) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	return &Service{l: l, store: store, ledger: ledger, locks: keyed, now: time.Now}
}

// Create records a new schedule. Nothing reaches the ledger until the first release.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.VestingSchedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	schedule := &domain.VestingSchedule{
		ID:              uuid.NewString(),
		Beneficiary:     req.Beneficiary,
		TotalShares:     req.TotalShares,
		CostBasisCents:  req.CostBasisCents,
		StartTime:       req.StartTime.UTC(),
		CliffSeconds:    req.CliffSeconds,
		DurationSeconds: req.DurationSeconds,
		Interval:        req.Interval,
		CreatedAt:       s.now().UTC(),
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SaveVestingSchedule(schedule); err != nil {
		return nil, errors.Wrap(err, "save vesting schedule")
	}

	s.l.Info("vesting schedule created",
		zap.String("schedule", schedule.ID),
		zap.String("beneficiary", schedule.Beneficiary),
		zap.Int64("total_shares", schedule.TotalShares),
		zap.Int64("intervals", schedule.TotalIntervals()))
	return schedule, nil
}

// Get returns the schedule with the given id.
func (s *Service) Get(id string) (*domain.VestingSchedule, error) {
	v, ok := s.store.VestingSchedule(id)
	if !ok {
		return nil, domain.NotFoundError("vesting schedule %s", id)
	}
	return v, nil
}

// List returns every schedule, oldest first. A non-empty beneficiary filters.
func (s *Service) List(beneficiary string) []*domain.VestingSchedule {
	all := s.store.VestingSchedules()
	if beneficiary == "" {
		return all
	}
	out := all[:0]
	for _, v := range all {
		if v.Beneficiary == beneficiary {
			out = append(out, v)
		}
	}
	return out
}

// Release appends the shares vested since the last release.
func (s *Service) Release(ctx context.Context, id string) (*Release, error) {
	unlock := s.locks.Lock(locks.ScheduleKey(id))
	defer unlock()

	schedule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	rel, err := s.release(ctx, schedule, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, domain.PolicyError("schedule %s has nothing vested to release", id)
	}
	return rel, nil
}

// ReleaseDue releases every schedule with newly vested shares. A failing schedule is
// logged and skipped; the number of releases and the first failure are returned.
func (s *Service) ReleaseDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var released int
	var firstErr error
	for _, v := range s.store.VestingSchedules() {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		if v.Releasable(now) == 0 {
			continue
		}
		rel, err := s.releaseLocked(ctx, v.ID, now)
		if err != nil {
			s.l.Error("vesting release failed", zap.String("schedule", v.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "release schedule %s", v.ID)
			}
			continue
		}
		if rel != nil {
			released++
		}
	}
	if released > 0 {
		s.l.Info("vesting releases processed", zap.Int("released", released))
	}
	return released, firstErr
}

func (s *Service) releaseLocked(ctx context.Context, id string, at time.Time) (*Release, error) {
	unlock := s.locks.Lock(locks.ScheduleKey(id))
	defer unlock()

	schedule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return s.release(ctx, schedule, at)
}

// release appends the releasable shares of schedule at t. A nil release means nothing
// was due. Callers hold the schedule lock.
func (s *Service) release(ctx context.Context, schedule *domain.VestingSchedule, at time.Time) (*Release, error) {
	shares := schedule.Releasable(at)
	if shares == 0 {
		return nil, nil
	}
	vested := schedule.ReleasedShares + shares

	e, err := domain.NewEvent(domain.KindVestingRelease, domain.VestingPayload{ScheduleID: schedule.ID})
	if err != nil {
		return nil, err
	}
	e.PrimaryWallet = schedule.Beneficiary
	e.ShareCount = shares
	e.SecondaryMoneyAmountCents = schedule.BasisFor(vested) - schedule.ReleasedBasisCents
	e.IdempotencyKey = releaseKey(schedule.ID, vested)
	e.Timestamp = at

	appended, err := s.ledger.Append(ctx, []domain.Event{e})
	if err != nil {
		return nil, err
	}
	if err := schedule.MarkReleased(vested, appended[0].Sequence); err != nil {
		return nil, err
	}
	// the log is authoritative; a lost save is repaired by Reconcile
	if err := s.store.SaveVestingSchedule(schedule); err != nil {
		s.l.Error("released schedule not persisted", zap.String("schedule", schedule.ID), zap.Error(err))
	}

	s.l.Info("vesting released",
		zap.String("schedule", schedule.ID),
		zap.String("beneficiary", schedule.Beneficiary),
		zap.Int64("shares", shares),
		zap.Int64("released", vested),
		zap.Uint64("sequence", appended[0].Sequence))
	return &Release{ScheduleID: schedule.ID, Shares: shares, Event: appended[0]}, nil
}

// PreviewTermination reports what terminating the schedule now would do.
func (s *Service) PreviewTermination(id string, typ domain.TerminationType) (domain.TerminationPreview, error) {
	schedule, err := s.Get(id)
	if err != nil {
		return domain.TerminationPreview{}, err
	}
	return schedule.PreviewTermination(typ, s.now().UTC())
}

// Terminate freezes the schedule and releases whatever the beneficiary is still owed.
func (s *Service) Terminate(ctx context.Context, id string, req TerminateRequest) (*TerminateResult, error) {
	unlock := s.locks.Lock(locks.ScheduleKey(id))
	defer unlock()

	schedule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	preview, err := schedule.Terminate(req.Type, now, req.Notes)
	if err != nil {
		return nil, err
	}

	res := &TerminateResult{Preview: preview}
	if preview.StillOwed > 0 {
		res.Release, err = s.release(ctx, schedule, now)
		if err != nil {
			return nil, err
		}
	} else if err := s.store.SaveVestingSchedule(schedule); err != nil {
		return nil, errors.Wrap(err, "save vesting schedule")
	}
	res.Schedule = schedule

	s.l.Info("vesting terminated",
		zap.String("schedule", schedule.ID),
		zap.String("type", string(req.Type)),
		zap.Int64("final_vested", preview.FinalVested),
		zap.Int64("forfeited", preview.Forfeited))
	return res, nil
}

// Reconcile catches released counters up with the releases found in the log.
func (s *Service) Reconcile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type logged struct {
		shares   int64
		sequence uint64
	}
	bySchedule := make(map[string]logged)
	for _, e := range s.ledger.Events(ledger.Latest) {
		if e.Kind != domain.KindVestingRelease {
			continue
		}
		var p domain.VestingPayload
		if err := e.DecodePayload(&p); err != nil {
			return errors.Wrapf(err, "reconcile vesting release %d", e.Sequence)
		}
		if p.ScheduleID == "" {
			continue
		}
		cur := bySchedule[p.ScheduleID]
		bySchedule[p.ScheduleID] = logged{shares: cur.shares + e.ShareCount, sequence: e.Sequence}
	}

	for _, v := range s.store.VestingSchedules() {
		got, ok := bySchedule[v.ID]
		if !ok || got.shares <= v.ReleasedShares {
			continue
		}
		if err := s.repair(v.ID, got.shares, got.sequence); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) repair(id string, released int64, sequence uint64) error {
	unlock := s.locks.Lock(locks.ScheduleKey(id))
	defer unlock()

	schedule, err := s.Get(id)
	if err != nil {
		return err
	}
	if released <= schedule.ReleasedShares {
		return nil
	}
	if err := schedule.MarkReleased(released, sequence); err != nil {
		return err
	}
	if err := s.store.SaveVestingSchedule(schedule); err != nil {
		return errors.Wrapf(err, "reconcile vesting schedule %s", id)
	}
	s.l.Warn("vesting schedule repaired from log", zap.String("schedule", id), zap.Int64("released", released))
	return nil
}

func releaseKey(scheduleID string, vested int64) string {
	return "vesting/" + scheduleID + "/" + strconv.FormatInt(vested, 10)
}
