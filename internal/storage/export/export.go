// Package export writes cap table snapshots to disk as JSON. Exports are a convenience
// for reporting; the event log stays authoritative.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
)

const defaultExportDir = "./exports"

// Snapshot is the exported view of a ledger at one sequence.
type Snapshot struct {
	LedgerID     string                 `json:"ledger_id"`
	AsOfSequence uint64                 `json:"as_of_sequence"`
	ExportedAt   time.Time              `json:"exported_at"`
	CapTable     *ledger.CapTable       `json:"cap_table"`
	Positions    []domain.Position      `json:"positions"`
	Dividends    domain.DividendSummary `json:"dividends"`
}

// Store writes snapshots under a directory, one file per ledger and sequence.
type Store struct {
	dir string
}

// Dir resolves the export directory: the explicit value, then CAPLEDGER_EXPORT_DIR,
// then ./exports.
func Dir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if dir := os.Getenv("CAPLEDGER_EXPORT_DIR"); dir != "" {
		return dir
	}
	return defaultExportDir
}

// NewStore creates the export directory if needed.
func NewStore(dir string) (*Store, error) {
	dir = Dir(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create export dir")
	}
	return &Store{dir: dir}, nil
}

// NewSnapshot assembles a snapshot from a reconstructed state.
func NewSnapshot(ledgerID string, state *domain.LedgerState, classes domain.ClassLookup, now time.Time) Snapshot {
	return Snapshot{
		LedgerID:     ledgerID,
		AsOfSequence: state.AsOfSequence,
		ExportedAt:   now.UTC(),
		CapTable:     ledger.BuildCapTable(ledgerID, state, classes),
		Positions:    state.SortedPositions(),
		Dividends:    state.Dividends,
	}
}

// Path returns where the snapshot of ledgerID at seq is written.
func (s *Store) Path(ledgerID string, seq uint64) string {
	name := sanitize(ledgerID)
	if name == "" {
		name = "ledger"
	}
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d.json", name, seq))
}

// Save writes the snapshot atomically via a temp file and returns its path.
func (s *Store) Save(snap Snapshot) (string, error) {
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode snapshot")
	}

	path := s.Path(snap.LedgerID, snap.AsOfSequence)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", errors.Wrap(err, "write snapshot temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Wrap(err, "persist snapshot")
	}

	return path, nil
}

// Load reads a previously exported snapshot. A missing file returns nil.
func (s *Store) Load(ledgerID string, seq uint64) (*Snapshot, error) {
	payload, err := os.ReadFile(s.Path(ledgerID, seq))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read snapshot")
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return &snap, nil
}

func sanitize(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))

	var b strings.Builder
	prevUnderscore := false
	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
