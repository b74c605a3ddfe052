package domain

import (
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// VestingInterval is the step at which a schedule releases shares after its cliff.
type VestingInterval string

const (
	IntervalMinute VestingInterval = "minute"
	IntervalHour   VestingInterval = "hour"
	IntervalDay    VestingInterval = "day"
	IntervalMonth  VestingInterval = "month"
)

// Seconds returns the interval length. A month is 30 days.
func (i VestingInterval) Seconds() int64 {
	switch i {
	case IntervalMinute:
		return 60
	case IntervalHour:
		return 3600
	case IntervalDay:
		return 86400
	case IntervalMonth:
		return 30 * 86400
	default:
		return 0
	}
}

// TerminationType decides what a terminated beneficiary keeps.
type TerminationType string

const (
	// TerminationStandard keeps what has vested so far.
	TerminationStandard TerminationType = "standard"
	// TerminationForCause forfeits everything not yet released.
	TerminationForCause TerminationType = "for_cause"
	// TerminationAccelerated vests the whole grant immediately.
	TerminationAccelerated TerminationType = "accelerated"
)

// Valid reports whether t is a known termination type.
func (t TerminationType) Valid() bool {
	switch t {
	case TerminationStandard, TerminationForCause, TerminationAccelerated:
		return true
	}
	return false
}

// VestingTermination freezes a schedule.
type VestingTermination struct {
	Type         TerminationType `json:"type"`
	TerminatedAt time.Time       `json:"terminated_at"`
	FinalVested  int64           `json:"final_vested"`
	Notes        string          `json:"notes,omitempty"`
}

// VestingSchedule grants TotalShares to Beneficiary in equal interval steps between the
// cliff and the end of the schedule. Shares only reach the ledger when released.
type VestingSchedule struct {
	ID                 string              `json:"id"`
	Beneficiary        string              `json:"beneficiary"`
	TotalShares        int64               `json:"total_shares"`
	CostBasisCents     int64               `json:"cost_basis_cents,omitempty"`
	StartTime          time.Time           `json:"start_time"`
	CliffSeconds       int64               `json:"cliff_seconds"`
	DurationSeconds    int64               `json:"duration_seconds"`
	Interval           VestingInterval     `json:"interval"`
	ReleasedShares     int64               `json:"released_shares"`
	ReleasedBasisCents int64               `json:"released_basis_cents"`
	LastReleaseSeq     uint64              `json:"last_release_sequence,omitempty"`
	Termination        *VestingTermination `json:"termination,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
}

// Validate checks the grant terms.
func (v *VestingSchedule) Validate() error {
	if v.Beneficiary == "" {
		return &SchemaError{Field: "schedule.beneficiary", Reason: "is required"}
	}
	if v.TotalShares <= 0 {
		return &SchemaError{Field: "schedule.total_shares", Reason: "must be positive"}
	}
	if v.CostBasisCents < 0 {
		return &SchemaError{Field: "schedule.cost_basis_cents", Reason: "must not be negative"}
	}
	if v.StartTime.IsZero() {
		return &SchemaError{Field: "schedule.start_time", Reason: "is required"}
	}
	if v.Interval.Seconds() == 0 {
		return &SchemaError{Field: "schedule.interval", Reason: "must be minute, hour, day or month"}
	}
	if v.CliffSeconds < 0 {
		return &SchemaError{Field: "schedule.cliff_seconds", Reason: "must not be negative"}
	}
	if v.DurationSeconds-v.CliffSeconds < v.Interval.Seconds() {
		return &SchemaError{Field: "schedule.duration_seconds", Reason: "must leave at least one interval after the cliff"}
	}
	return nil
}

// Terminated reports whether the schedule was frozen.
func (v *VestingSchedule) Terminated() bool {
	return v.Termination != nil
}

// TotalIntervals is the number of release steps after the cliff.
func (v *VestingSchedule) TotalIntervals() int64 {
	n := (v.DurationSeconds - v.CliffSeconds) / v.Interval.Seconds()
	if n < 1 {
		return 1
	}
	return n
}

// VestedAt returns the cumulative vested shares at t. Every interval vests
// TotalShares / TotalIntervals; the remainder is spread one share at a time over the
// final intervals.
func (v *VestingSchedule) VestedAt(t time.Time) int64 {
	if v.Termination != nil {
		return v.Termination.FinalVested
	}
	return v.scheduledAt(t)
}

func (v *VestingSchedule) scheduledAt(t time.Time) int64 {
	elapsed := int64(t.Sub(v.StartTime) / time.Second)
	switch {
	case elapsed < 0, elapsed < v.CliffSeconds:
		return 0
	case elapsed >= v.DurationSeconds:
		return v.TotalShares
	}

	total := v.TotalIntervals()
	elapsedIntervals := (elapsed - v.CliffSeconds) / v.Interval.Seconds()
	perInterval := v.TotalShares / total
	remainder := v.TotalShares % total

	vested := perInterval * elapsedIntervals
	if extra := elapsedIntervals - (total - remainder); extra > 0 {
		vested += extra
	}
	return min(vested, v.TotalShares)
}

// Releasable is what a release at t would put on the ledger.
func (v *VestingSchedule) Releasable(t time.Time) int64 {
	return max(v.VestedAt(t)-v.ReleasedShares, 0)
}

// BasisFor is the cost basis carried by the first vested shares of the grant, pro rata
// and floored.
func (v *VestingSchedule) BasisFor(vested int64) int64 {
	if v.CostBasisCents == 0 || vested <= 0 {
		return 0
	}
	if vested >= v.TotalShares {
		return v.CostBasisCents
	}
	n := new(big.Int).Mul(big.NewInt(v.CostBasisCents), big.NewInt(vested))
	return n.Quo(n, big.NewInt(v.TotalShares)).Int64()
}

// MarkReleased records a release of shares up to cumulative vested.
func (v *VestingSchedule) MarkReleased(vested int64, sequence uint64) error {
	if vested <= v.ReleasedShares || vested > v.TotalShares {
		return errors.Wrapf(ErrInvariant, "schedule %s: release to %d from %d of %d", v.ID, vested, v.ReleasedShares, v.TotalShares)
	}
	v.ReleasedShares = vested
	v.ReleasedBasisCents = v.BasisFor(vested)
	v.LastReleaseSeq = sequence
	return nil
}

// TerminationPreview is what terminating the schedule at a point in time would do.
type TerminationPreview struct {
	ScheduleID      string          `json:"schedule_id"`
	Type            TerminationType `json:"type"`
	At              time.Time       `json:"at"`
	VestedNow       int64           `json:"vested_now"`
	FinalVested     int64           `json:"final_vested"`
	AlreadyReleased int64           `json:"already_released"`
	StillOwed       int64           `json:"still_owed"`
	Forfeited       int64           `json:"forfeited"`
}

// PreviewTermination computes the outcome of terminating with typ at t without
// changing the schedule.
func (v *VestingSchedule) PreviewTermination(typ TerminationType, t time.Time) (TerminationPreview, error) {
	if !typ.Valid() {
		return TerminationPreview{}, &SchemaError{Field: "termination_type", Reason: "must be standard, for_cause or accelerated"}
	}
	if v.Terminated() {
		return TerminationPreview{}, errors.Wrapf(ErrIllegalTransition, "schedule %s is already terminated", v.ID)
	}

	vestedNow := v.scheduledAt(t)
	final := vestedNow
	switch typ {
	case TerminationForCause:
		final = 0
	case TerminationAccelerated:
		final = v.TotalShares
	}
	// released shares are already on the ledger and stay with the holder
	kept := max(final, v.ReleasedShares)

	return TerminationPreview{
		ScheduleID:      v.ID,
		Type:            typ,
		At:              t,
		VestedNow:       vestedNow,
		FinalVested:     kept,
		AlreadyReleased: v.ReleasedShares,
		StillOwed:       kept - v.ReleasedShares,
		Forfeited:       v.TotalShares - kept,
	}, nil
}

// Terminate freezes the schedule at the previewed outcome.
func (v *VestingSchedule) Terminate(typ TerminationType, t time.Time, notes string) (TerminationPreview, error) {
	preview, err := v.PreviewTermination(typ, t)
	if err != nil {
		return TerminationPreview{}, err
	}
	v.Termination = &VestingTermination{
		Type:         typ,
		TerminatedAt: t,
		FinalVested:  preview.FinalVested,
		Notes:        notes,
	}
	return preview, nil
}

// Clone copies the schedule.
func (v *VestingSchedule) Clone() *VestingSchedule {
	c := *v
	if v.Termination != nil {
		term := *v.Termination
		c.Termination = &term
	}
	return &c
}
