// Package ledger is the boundary around the capitalization log: it validates and
// appends event batches, folds point-in-time state through a snapshot cache and
// serves the read-only analytics built on that state.
package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/replay"
	"go.uber.org/zap"
)

// Latest asks for the state after the newest event.
const Latest uint64 = math.MaxUint64

// EventLog is the append-only store the ledger writes through.
type EventLog interface {
	Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error)
	Events(cutoff uint64) []domain.Event
	Since(after uint64) []domain.Event
	LastSequence() uint64
}

// Classes resolves share classes and the ledger default class.
type Classes interface {
	domain.ClassLookup
	Default() (domain.ShareClass, bool)
}

// Publisher receives every appended batch.
type Publisher interface {
	Publish(batch []domain.Event)
}

// Options configure a ledger.
type Options struct {
	LedgerID string
	// DefaultShareClass is used by the fold for vesting events recorded without a class.
	DefaultShareClass string
	CacheEntries      int
}

// Service owns one ledger. Appends are serialized; reads run concurrently.
type Service struct {
	l         *zap.Logger
	opts      Options
	log       EventLog
	classes   Classes
	publisher Publisher
	cache     *stateCache
	now       func() time.Time

	writeMu sync.Mutex
}

// NewService creates a ledger over log. publisher may be nil.
func NewService(l *zap.Logger, opts Options, log EventLog, classes Classes, publisher Publisher) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	return &Service{
		l:         l,
		opts:      opts,
		log:       log,
		classes:   classes,
		publisher: publisher,
		cache:     newStateCache(opts.LedgerID, opts.CacheEntries),
		now:       time.Now,
	}
}

// LedgerID returns the configured ledger id.
func (s *Service) LedgerID() string {
	return s.opts.LedgerID
}

func (s *Service) replayOptions() replay.Options {
	return replay.Options{DefaultShareClass: s.opts.DefaultShareClass}
}

// LastSequence returns the newest sequence in the log.
func (s *Service) LastSequence() uint64 {
	return s.log.LastSequence()
}

// State returns the ledger state after every event with Sequence <= cutoff. A cutoff
// past the end of the log is clamped to the last sequence. The returned state is
// shared with the cache and must not be modified.
func (s *Service) State(ctx context.Context, cutoff uint64) (*domain.LedgerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if last := s.log.LastSequence(); cutoff > last {
		cutoff = last
	}
	if st, ok := s.cache.get(cutoff); ok {
		return st, nil
	}

	v, err, _ := s.cache.group.Do(s.cache.flightKey(cutoff), func() (any, error) {
		if st, ok := s.cache.get(cutoff); ok {
			return st, nil
		}

		base := s.cache.nearest(cutoff)
		st, err := replay.Resume(base, s.log.Events(cutoff), cutoff, s.replayOptions())
		if err != nil {
			s.l.Error("ledger replay failed",
				zap.String("ledger", s.opts.LedgerID),
				zap.Uint64("cutoff", cutoff),
				zap.Error(err))
			return nil, err
		}

		s.cache.put(cutoff, st)
		s.l.Debug("ledger state folded",
			zap.Uint64("cutoff", cutoff),
			zap.Uint64("from", base.AsOfSequence),
			zap.Uint64("as_of", st.AsOfSequence))
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.LedgerState), nil
}

// Append validates batch against the latest state and appends it atomically. Either
// every event is recorded or none is. Events without a timestamp are stamped with the
// current time; vesting releases without a class receive the default class.
func (s *Service) Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error) {
	return s.append(ctx, batch, nil)
}

// AppendAfter appends batch only while the newest event is still at sequence after.
// Callers that derived the batch from the state at after get domain.ErrStale when
// another writer got there first, and rebuild it from a fresh state.
func (s *Service) AppendAfter(ctx context.Context, after uint64, batch []domain.Event) ([]domain.Event, error) {
	return s.append(ctx, batch, &after)
}

// Exclusive runs fn while no batch can be appended. The share class registry checks
// and replaces unreferenced classes under it.
func (s *Service) Exclusive(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

func (s *Service) append(ctx context.Context, batch []domain.Event, after *uint64) ([]domain.Event, error) {
	if len(batch) == 0 {
		return nil, &domain.SchemaError{Field: "events", Reason: "batch is empty"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if after != nil {
		if last := s.log.LastSequence(); last != *after {
			return nil, errors.Wrapf(domain.ErrStale, "batch built at sequence %d, log is at %d", *after, last)
		}
	}

	latest, err := s.State(ctx, Latest)
	if err != nil {
		return nil, err
	}

	prepared, err := s.prepare(batch, s.log.LastSequence())
	if err != nil {
		return nil, err
	}

	// dry run: the batch must fold cleanly on top of the current state
	next, err := replay.Resume(latest, prepared, Latest, s.replayOptions())
	if err != nil {
		return nil, err
	}

	appended, err := s.log.Append(ctx, prepared)
	if err != nil {
		return nil, err
	}

	first := appended[0].Sequence
	s.cache.invalidateFrom(first)
	s.cache.put(next.AsOfSequence, next)

	if s.publisher != nil {
		s.publisher.Publish(appended)
	}

	s.l.Info("events appended",
		zap.String("ledger", s.opts.LedgerID),
		zap.Uint64("first", first),
		zap.Uint64("last", next.AsOfSequence),
		zap.Int("count", len(appended)))

	return appended, nil
}

func (s *Service) prepare(batch []domain.Event, last uint64) ([]domain.Event, error) {
	now := s.now().UTC()
	out := make([]domain.Event, len(batch))

	for i, e := range batch {
		if e.Sequence == 0 {
			e.Sequence = last + 1
		}
		last = e.Sequence

		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if e.Kind == domain.KindVestingRelease && e.ShareClass == "" {
			if def, ok := s.classes.Default(); ok {
				e.ShareClass = def.ID
			}
		}
		if e.ShareClass != "" {
			if _, ok := s.classes.ShareClass(e.ShareClass); !ok {
				return nil, &domain.SchemaError{Kind: e.Kind, Field: "share_class", Reason: "is not a registered share class: " + e.ShareClass}
			}
		}
		out[i] = e
	}
	return out, nil
}

// Events returns the history up to cutoff. The slice must not be modified.
func (s *Service) Events(cutoff uint64) []domain.Event {
	return s.log.Events(cutoff)
}

// Since returns events appended after the given sequence.
func (s *Service) Since(after uint64) []domain.Event {
	return s.log.Since(after)
}

// InvalidateFrom drops cached states whose cutoff is at or beyond seq.
func (s *Service) InvalidateFrom(seq uint64) {
	if n := s.cache.invalidateFrom(seq); n > 0 {
		s.l.Debug("ledger cache invalidated", zap.Uint64("from", seq), zap.Int("entries", n))
	}
}
