// Package registry manages share classes.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"go.uber.org/zap"
)

// Store persists share classes.
type Store interface {
	SaveShareClass(c domain.ShareClass) error
	ShareClass(id string) (domain.ShareClass, bool)
	ShareClasses() []domain.ShareClass
}

type eventReader interface {
	Events(cutoff uint64) []domain.Event
	LastSequence() uint64
}

// WriteGuard holds off appends to the log while fn runs.
type WriteGuard interface {
	Exclusive(fn func() error) error
}

// Service validates and stores share classes. A class may only change while no event
// references it, since its priority and preference shape every past waterfall.
type Service struct {
	l         *zap.Logger
	store     Store
	events    eventReader
	defaultID string

	mu    sync.Mutex
	guard WriteGuard
}

// NewService creates a registry. defaultID names the class that receives vesting
// releases; it may be empty.
func NewService(l *zap.Logger, store Store, events eventReader, defaultID string) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	return &Service{l: l, store: store, events: events, defaultID: defaultID}
}

// GuardWith makes Update check references and save the class while g blocks appends,
// so no event can start referencing the class in between. The ledger is built on top of
// the registry, hence a setter.
func (s *Service) GuardWith(g WriteGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = g
}

// Create registers a new class. An empty id is generated.
func (s *Service) Create(ctx context.Context, c domain.ShareClass) (domain.ShareClass, error) {
	if err := ctx.Err(); err != nil {
		return domain.ShareClass{}, err
	}
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return domain.ShareClass{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store.ShareClass(c.ID); ok {
		return domain.ShareClass{}, errors.Wrapf(domain.ErrDuplicate, "share class %s already exists", c.ID)
	}
	if err := s.store.SaveShareClass(c); err != nil {
		return domain.ShareClass{}, errors.Wrap(err, "save share class")
	}

	s.l.Info("share class created", zap.String("class", c.ID), zap.Int("priority", c.Priority))
	return c, nil
}

// Update replaces an existing class that no event references yet.
func (s *Service) Update(ctx context.Context, c domain.ShareClass) (domain.ShareClass, error) {
	if err := ctx.Err(); err != nil {
		return domain.ShareClass{}, err
	}
	if err := c.Validate(); err != nil {
		return domain.ShareClass{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store.ShareClass(c.ID); !ok {
		return domain.ShareClass{}, domain.NotFoundError("share class %s", c.ID)
	}
	replace := func() error {
		if seq, ok := s.referencedAt(c.ID); ok {
			return domain.PolicyError("share class %s is referenced by event %d", c.ID, seq)
		}
		return errors.Wrap(s.store.SaveShareClass(c), "save share class")
	}
	var err error
	if s.guard != nil {
		err = s.guard.Exclusive(replace)
	} else {
		err = replace()
	}
	if err != nil {
		return domain.ShareClass{}, err
	}

	s.l.Info("share class updated", zap.String("class", c.ID))
	return c, nil
}

func (s *Service) referencedAt(id string) (uint64, bool) {
	if s.events == nil {
		return 0, false
	}
	for _, e := range s.events.Events(s.events.LastSequence()) {
		if e.ShareClass == id {
			return e.Sequence, true
		}
	}
	return 0, false
}

// Get returns the class with the given id.
func (s *Service) Get(id string) (domain.ShareClass, error) {
	c, ok := s.store.ShareClass(id)
	if !ok {
		return domain.ShareClass{}, domain.NotFoundError("share class %s", id)
	}
	return c, nil
}

// List returns every class by priority.
func (s *Service) List() []domain.ShareClass {
	return s.store.ShareClasses()
}

// ShareClass implements domain.ClassLookup.
func (s *Service) ShareClass(id string) (domain.ShareClass, bool) {
	return s.store.ShareClass(id)
}

// Default returns the configured default class, falling back to the class paid last in
// a liquidation (the highest priority number).
func (s *Service) Default() (domain.ShareClass, bool) {
	if s.defaultID != "" {
		if c, ok := s.store.ShareClass(s.defaultID); ok {
			return c, true
		}
	}
	classes := s.store.ShareClasses()
	if len(classes) == 0 {
		return domain.ShareClass{}, false
	}
	return classes[len(classes)-1], true
}

// Bootstrap creates every class that does not exist yet and leaves existing ones
// untouched.
func (s *Service) Bootstrap(ctx context.Context, classes []domain.ShareClass) error {
	for _, c := range classes {
		if _, ok := s.store.ShareClass(c.ID); ok {
			continue
		}
		if _, err := s.Create(ctx, c); err != nil {
			return errors.Wrapf(err, "bootstrap share class %s", c.ID)
		}
	}
	return nil
}
