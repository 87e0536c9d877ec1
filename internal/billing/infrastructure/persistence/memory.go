package persistence

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// MemoryEntitlementRepository keeps the snapshot in process memory.
type MemoryEntitlementRepository struct {
	mu     sync.RWMutex
	record *domain.EntitlementRecord
}

// NewMemoryEntitlementRepository creates an empty repository.
func NewMemoryEntitlementRepository() *MemoryEntitlementRepository {
	return &MemoryEntitlementRepository{}
}

func (r *MemoryEntitlementRepository) Load(_ context.Context) (*domain.EntitlementRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.record == nil {
		return nil, nil
	}
	record := *r.record
	return &record, nil
}

func (r *MemoryEntitlementRepository) Save(_ context.Context, record domain.EntitlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = &record
	return nil
}

// MemoryAcknowledgmentQueue keeps pending acknowledgments in process memory.
type MemoryAcknowledgmentQueue struct {
	mu   sync.Mutex
	acks map[string]domain.PendingAcknowledgment
}

// NewMemoryAcknowledgmentQueue creates an empty queue.
func NewMemoryAcknowledgmentQueue() *MemoryAcknowledgmentQueue {
	return &MemoryAcknowledgmentQueue{acks: make(map[string]domain.PendingAcknowledgment)}
}

func (q *MemoryAcknowledgmentQueue) Enqueue(_ context.Context, ack domain.PendingAcknowledgment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.acks[ack.PurchaseToken]; ok && ack.CreatedAt.IsZero() {
		ack.CreatedAt = existing.CreatedAt
	}
	q.acks[ack.PurchaseToken] = ack
	return nil
}

func (q *MemoryAcknowledgmentQueue) List(_ context.Context) ([]domain.PendingAcknowledgment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	acks := make([]domain.PendingAcknowledgment, 0, len(q.acks))
	for _, ack := range q.acks {
		acks = append(acks, ack)
	}
	slices.SortFunc(acks, func(a, b domain.PendingAcknowledgment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.PurchaseToken, b.PurchaseToken)
	})
	return acks, nil
}

func (q *MemoryAcknowledgmentQueue) Remove(_ context.Context, purchaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.acks, purchaseToken)
	return nil
}
