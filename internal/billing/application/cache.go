package application

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// EntitlementCache holds the last settled entitlement record. Reads never
// block; writes come only from the StateMachine.
type EntitlementCache struct {
	current atomic.Pointer[domain.EntitlementRecord]
	repo    domain.EntitlementRepository
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[uint64]func(domain.EntitlementRecord)
	nextID    uint64
}

// NewEntitlementCache creates a cache holding an inactive record.
// repo may be nil, in which case nothing is persisted.
func NewEntitlementCache(repo domain.EntitlementRepository, logger *slog.Logger) *EntitlementCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &EntitlementCache{
		repo:      repo,
		logger:    logger,
		listeners: make(map[uint64]func(domain.EntitlementRecord)),
	}
	initial := domain.InactiveEntitlement()
	c.current.Store(&initial)
	return c
}

// Hydrate loads the last persisted record, if any.
func (c *EntitlementCache) Hydrate(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	record, err := c.repo.Load(ctx)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	stored := *record
	c.current.Store(&stored)
	c.logger.Debug("entitlement cache hydrated",
		"is_active", stored.IsActive,
		"product_id", stored.ProductID,
	)
	c.notify(stored)
	return nil
}

// Get returns the last settled record.
func (c *EntitlementCache) Get() domain.EntitlementRecord {
	return *c.current.Load()
}

// Subscribe registers a listener called after every change.
func (c *EntitlementCache) Subscribe(listener func(domain.EntitlementRecord)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// set replaces the record and writes it through to the repository. A failed
// write is logged; the in-memory record still changes.
func (c *EntitlementCache) set(ctx context.Context, record domain.EntitlementRecord) domain.EntitlementRecord {
	previous := *c.current.Swap(&record)
	if c.repo != nil {
		if err := c.repo.Save(ctx, record); err != nil {
			c.logger.Error("failed to persist entitlement",
				"product_id", record.ProductID,
				"error", err,
			)
		}
	}
	if !previous.Equal(record) {
		c.notify(record)
	}
	return previous
}

func (c *EntitlementCache) notify(record domain.EntitlementRecord) {
	c.mu.Lock()
	listeners := make([]func(domain.EntitlementRecord), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(record)
	}
}
