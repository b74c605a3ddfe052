// Package eventlog stores the append-only capitalization log.
//
// Every Append is one atomic batch: it is persisted as a single WAL record and becomes
// visible to readers only after the write succeeded. Readers get a capped view of the
// published prefix and never block the writer for longer than a slice header copy.
package eventlog

import (
	"context"
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
	DefaultDir     = "./wal/events"
	segmentLimit   = 1000
	maxSegments    = 1 << 20 // the log is the source of truth, segments are never rotated away
	batchKeyPrefix = "batch_"
)

// Log is a totally ordered event log with a single writer.
type Log struct {
	wal *gowal.Wal

	// writeMu serializes appends; mu guards the published slice.
	writeMu sync.Mutex
	mu      sync.RWMutex
	events  []domain.Event
	keys    map[string]uint64
}

// NewMemoryLog returns a log that lives only in memory.
func NewMemoryLog() *Log {
	return &Log{keys: make(map[string]uint64)}
}

// OpenWAL opens (or creates) a WAL-backed log under dir and replays its batches.
func OpenWAL(dir string) (*Log, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "events_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init event WAL")
	}

	l := &Log{wal: wal, keys: make(map[string]uint64)}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, batchKeyPrefix) {
			continue
		}
		var batch []domain.Event
		if err := json.Unmarshal(msg.Value, &batch); err != nil {
			return nil, errors.Wrapf(err, "decode event batch %s", msg.Key)
		}
		if err := l.checkBatch(batch); err != nil {
			return nil, errors.Wrapf(err, "replay event batch %s", msg.Key)
		}
		l.publish(batch)
	}

	return l, nil
}

// Append assigns sequences to batch and persists it atomically. An event with Sequence 0
// is placed right after its predecessor; an explicit Sequence must exceed it. The
// returned events carry their final sequences.
func (l *Log) Append(ctx context.Context, batch []domain.Event) ([]domain.Event, error) {
	if len(batch) == 0 {
		return nil, &domain.SchemaError{Field: "events", Reason: "batch is empty"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	out := make([]domain.Event, len(batch))
	last := l.LastSequence()
	for i, e := range batch {
		if e.Sequence == 0 {
			e.Sequence = last + 1
		}
		last = e.Sequence
		out[i] = e
	}

	if err := l.checkBatch(out); err != nil {
		return nil, err
	}

	if l.wal != nil {
		payload, err := json.Marshal(out)
		if err != nil {
			return nil, errors.Wrap(err, "marshal event batch")
		}
		key := fmt.Sprintf("%s%d", batchKeyPrefix, out[0].Sequence)
		if err := l.wal.Write(l.wal.CurrentIndex()+1, key, payload); err != nil {
			return nil, errors.Wrap(err, "append event batch")
		}
	}

	l.publish(out)
	return out, nil
}

// checkBatch verifies ordering and idempotency keys against the published log.
func (l *Log) checkBatch(batch []domain.Event) error {
	last := l.LastSequence()
	seen := make(map[string]bool)
	for _, e := range batch {
		if e.Sequence <= last {
			return errors.Wrapf(domain.ErrSequence, "sequence %d does not follow %d", e.Sequence, last)
		}
		last = e.Sequence

		if e.IdempotencyKey == "" {
			continue
		}
		l.mu.RLock()
		prev, dup := l.keys[e.IdempotencyKey]
		l.mu.RUnlock()
		if dup || seen[e.IdempotencyKey] {
			return errors.Wrapf(domain.ErrDuplicate, "idempotency key %q already used at sequence %d", e.IdempotencyKey, prev)
		}
		seen[e.IdempotencyKey] = true
	}
	return nil
}

func (l *Log) publish(batch []domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, batch...)
	for _, e := range batch {
		if e.IdempotencyKey != "" {
			l.keys[e.IdempotencyKey] = e.Sequence
		}
	}
}

// LastSequence returns the sequence of the newest event, zero for an empty log.
func (l *Log) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.events) == 0 {
		return 0
	}
	return l.events[len(l.events)-1].Sequence
}

// Events returns every event with Sequence <= cutoff. The slice must not be modified.
func (l *Log) Events(cutoff uint64) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := sort.Search(len(l.events), func(i int) bool { return l.events[i].Sequence > cutoff })
	return l.events[:n:n]
}

// Since returns every event with Sequence > after.
func (l *Log) Since(after uint64) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := sort.Search(len(l.events), func(i int) bool { return l.events[i].Sequence > after })
	return append([]domain.Event(nil), l.events[n:]...)
}

// SequenceOf returns the sequence recorded for an idempotency key.
func (l *Log) SequenceOf(idempotencyKey string) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq, ok := l.keys[idempotencyKey]
	return seq, ok
}

// Close closes the underlying WAL. Memory logs have nothing to release.
func (l *Log) Close() error {
	if l == nil || l.wal == nil {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	return l.wal.Close()
}
