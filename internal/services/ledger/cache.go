package ledger

import (
	"strconv"
	"sync"

	"github.com/vadiminshakov/capledger/internal/domain"
	"golang.org/x/sync/singleflight"
)

const defaultCacheEntries = 64

type cacheKey struct {
	ledgerID string
	cutoff   uint64
}

// stateCache keeps recently folded states keyed by (ledger, cutoff). Entries are
// evicted oldest first once the cache is full, and dropped when an append lands at or
// below their cutoff. Cached states are shared and must not be modified.
type stateCache struct {
	ledgerID string
	max      int

	mu      sync.Mutex
	entries map[cacheKey]*domain.LedgerState
	order   []cacheKey

	group singleflight.Group
}

func newStateCache(ledgerID string, limit int) *stateCache {
	if limit < 1 {
		limit = defaultCacheEntries
	}
	return &stateCache{
		ledgerID: ledgerID,
		max:      limit,
		entries:  make(map[cacheKey]*domain.LedgerState),
	}
}

func (c *stateCache) key(cutoff uint64) cacheKey {
	return cacheKey{ledgerID: c.ledgerID, cutoff: cutoff}
}

func (c *stateCache) flightKey(cutoff uint64) string {
	return c.ledgerID + "/" + strconv.FormatUint(cutoff, 10)
}

func (c *stateCache) get(cutoff uint64) (*domain.LedgerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.entries[c.key(cutoff)]
	return s, ok
}

// nearest returns the cached state with the greatest cutoff not above cutoff, or an
// empty state.
func (c *stateCache) nearest(cutoff uint64) *domain.LedgerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *domain.LedgerState
	var bestCutoff uint64
	for k, s := range c.entries {
		if k.cutoff <= cutoff && (best == nil || k.cutoff > bestCutoff) {
			best, bestCutoff = s, k.cutoff
		}
	}
	if best == nil {
		return domain.NewLedgerState()
	}
	return best
}

func (c *stateCache) put(cutoff uint64, s *domain.LedgerState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.key(cutoff)
	if _, ok := c.entries[k]; ok {
		c.entries[k] = s
		return
	}
	for len(c.order) >= c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[k] = s
	c.order = append(c.order, k)
}

// invalidateFrom drops every entry whose cutoff is at or beyond seq.
func (c *stateCache) invalidateFrom(seq uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	dropped := 0
	for _, k := range c.order {
		if k.cutoff >= seq {
			delete(c.entries, k)
			dropped++
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
	return dropped
}

func (c *stateCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
