// Package records persists reference data that lives beside the event log: share
// classes, funding rounds, convertible instruments, dividend rounds and vesting
// schedules. Every save appends the full
// record to a WAL and the newest write for a key wins on load.
package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./wal/records"
	segmentLimit = 500
	maxSegments  = 1 << 20

	shareClassKeyPrefix = "share_class_"
	roundKeyPrefix      = "round_"
	instrumentKeyPrefix = "instrument_"
	dividendKeyPrefix   = "dividend_"
	vestingKeyPrefix    = "vesting_"
)

// Store keeps the latest version of every record in memory and appends each change
// to its WAL. A Store without a WAL is memory only.
type Store struct {
	wal *gowal.Wal
	mu  sync.RWMutex

	classes     map[string]domain.ShareClass
	rounds      map[string]*domain.FundingRound
	instruments map[string]*domain.ConvertibleInstrument
	dividends   map[string]*domain.DividendRound
	schedules   map[string]*domain.VestingSchedule
}

// NewMemoryStore returns a store that is never persisted.
func NewMemoryStore() *Store {
	return &Store{
		classes:     make(map[string]domain.ShareClass),
		rounds:      make(map[string]*domain.FundingRound),
		instruments: make(map[string]*domain.ConvertibleInstrument),
		dividends:   make(map[string]*domain.DividendRound),
		schedules:   make(map[string]*domain.VestingSchedule),
	}
}

// Open initializes a WAL-backed store under dir and loads the latest records.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "records_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init records WAL")
	}

	s := NewMemoryStore()
	s.wal = wal

	for msg := range wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, shareClassKeyPrefix):
			var c domain.ShareClass
			if err := json.Unmarshal(msg.Value, &c); err != nil {
				return nil, errors.Wrap(err, "decode share class record")
			}
			s.classes[c.ID] = c
		case strings.HasPrefix(msg.Key, roundKeyPrefix):
			var r domain.FundingRound
			if err := json.Unmarshal(msg.Value, &r); err != nil {
				return nil, errors.Wrap(err, "decode round record")
			}
			s.rounds[r.ID] = &r
		case strings.HasPrefix(msg.Key, instrumentKeyPrefix):
			var inst domain.ConvertibleInstrument
			if err := json.Unmarshal(msg.Value, &inst); err != nil {
				return nil, errors.Wrap(err, "decode instrument record")
			}
			s.instruments[inst.ID] = &inst
		case strings.HasPrefix(msg.Key, dividendKeyPrefix):
			var r domain.DividendRound
			if err := json.Unmarshal(msg.Value, &r); err != nil {
				return nil, errors.Wrap(err, "decode dividend record")
			}
			s.dividends[r.ID] = &r
		case strings.HasPrefix(msg.Key, vestingKeyPrefix):
			var v domain.VestingSchedule
			if err := json.Unmarshal(msg.Value, &v); err != nil {
				return nil, errors.Wrap(err, "decode vesting record")
			}
			s.schedules[v.ID] = &v
		}
	}

	return s, nil
}

// write appends a record to the WAL. Callers hold s.mu.
func (s *Store) write(prefix, id string, v any) error {
	if s.wal == nil {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s record", strings.TrimSuffix(prefix, "_"))
	}

	key := fmt.Sprintf("%s%s", prefix, id)
	if err := s.wal.Write(s.wal.CurrentIndex()+1, key, payload); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return nil
}

// SaveShareClass stores c, replacing any class with the same id.
func (s *Store) SaveShareClass(c domain.ShareClass) error {
	if c.ID == "" {
		return fmt.Errorf("share class id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(shareClassKeyPrefix, c.ID, c); err != nil {
		return err
	}
	s.classes[c.ID] = c
	return nil
}

// ShareClass implements domain.ClassLookup.
func (s *Store) ShareClass(id string) (domain.ShareClass, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.classes[id]
	return c, ok
}

// ShareClasses returns every class ordered by priority, then id.
func (s *Store) ShareClasses() []domain.ShareClass {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ShareClass, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SaveRound stores a copy of r.
func (s *Store) SaveRound(r *domain.FundingRound) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("round id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(roundKeyPrefix, r.ID, r); err != nil {
		return err
	}
	s.rounds[r.ID] = r.Clone()
	return nil
}

// Round returns a copy of the round with the given id.
func (s *Store) Round(id string) (*domain.FundingRound, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Rounds returns copies of every round, oldest first.
func (s *Store) Rounds() []*domain.FundingRound {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.FundingRound, 0, len(s.rounds))
	for _, r := range s.rounds {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SaveInstrument stores a copy of inst.
func (s *Store) SaveInstrument(inst *domain.ConvertibleInstrument) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("instrument id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(instrumentKeyPrefix, inst.ID, inst); err != nil {
		return err
	}
	s.instruments[inst.ID] = inst.Clone()
	return nil
}

// Instrument returns a copy of the instrument with the given id.
func (s *Store) Instrument(id string) (*domain.ConvertibleInstrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// Instruments returns copies of every instrument, oldest first.
func (s *Store) Instruments() []*domain.ConvertibleInstrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ConvertibleInstrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SaveDividendRound stores a copy of r.
func (s *Store) SaveDividendRound(r *domain.DividendRound) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("dividend round id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(dividendKeyPrefix, r.ID, r); err != nil {
		return err
	}
	s.dividends[r.ID] = r.Clone()
	return nil
}

// DividendRound returns a copy of the dividend round with the given id.
func (s *Store) DividendRound(id string) (*domain.DividendRound, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.dividends[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// DividendRounds returns copies of every dividend round, oldest first.
func (s *Store) DividendRounds() []*domain.DividendRound {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.DividendRound, 0, len(s.dividends))
	for _, r := range s.dividends {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SaveVestingSchedule stores a copy of v.
func (s *Store) SaveVestingSchedule(v *domain.VestingSchedule) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("vesting schedule id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(vestingKeyPrefix, v.ID, v); err != nil {
		return err
	}
	s.schedules[v.ID] = v.Clone()
	return nil
}

// VestingSchedule returns a copy of the schedule with the given id.
func (s *Store) VestingSchedule(id string) (*domain.VestingSchedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.schedules[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// VestingSchedules returns copies of every schedule, oldest first.
func (s *Store) VestingSchedules() []*domain.VestingSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.VestingSchedule, 0, len(s.schedules))
	for _, v := range s.schedules {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	if s == nil || s.wal == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
