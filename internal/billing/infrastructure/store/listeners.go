// Package store implements the platform store collaborator: a deterministic
// sandbox and a Google Play backed store.
package store

import (
	"context"
	"slices"
	"sync"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// listeners fans purchase notifications out to registered callbacks.
type listeners struct {
	mu       sync.Mutex
	nextID   uint64
	updated  map[uint64]func(domain.PurchaseEvent)
	failures map[uint64]func(domain.PurchaseFailure)
}

func newListeners() *listeners {
	return &listeners{
		updated:  make(map[uint64]func(domain.PurchaseEvent)),
		failures: make(map[uint64]func(domain.PurchaseFailure)),
	}
}

func (l *listeners) onUpdated(fn func(domain.PurchaseEvent)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.updated[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.updated, id)
		l.mu.Unlock()
	}
}

func (l *listeners) onFailure(fn func(domain.PurchaseFailure)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.failures[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.failures, id)
		l.mu.Unlock()
	}
}

func (l *listeners) emitUpdated(event domain.PurchaseEvent) {
	l.mu.Lock()
	fns := make([]func(domain.PurchaseEvent), 0, len(l.updated))
	for _, fn := range l.updated {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

func (l *listeners) emitFailure(failure domain.PurchaseFailure) {
	l.mu.Lock()
	fns := make([]func(domain.PurchaseFailure), 0, len(l.failures))
	for _, fn := range l.failures {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(failure)
	}
}

// memoryLedger is the fallback ledger when no durable one is configured.
type memoryLedger struct {
	mu     sync.Mutex
	events []domain.PurchaseEvent
}

func (m *memoryLedger) Record(_ context.Context, event domain.PurchaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.PurchaseToken == event.PurchaseToken {
			return nil
		}
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memoryLedger) History(context.Context) ([]domain.PurchaseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events), nil
}

func (m *memoryLedger) Lookup(_ context.Context, token string) (*domain.PurchaseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.PurchaseToken == token {
			found := e
			return &found, nil
		}
	}
	return nil, nil
}
