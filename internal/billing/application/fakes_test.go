package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/stretchr/testify/mock"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// mockStore mocks the store calls and keeps real listener registration so
// tests can push purchase notifications.
type mockStore struct {
	mock.Mock

	mu       sync.Mutex
	nextID   int
	updated  map[int]func(domain.PurchaseEvent)
	failures map[int]func(domain.PurchaseFailure)
}

func newMockStore() *mockStore {
	return &mockStore{
		updated:  make(map[int]func(domain.PurchaseEvent)),
		failures: make(map[int]func(domain.PurchaseFailure)),
	}
}

func (s *mockStore) FetchProducts(ctx context.Context, skus []string) ([]domain.Product, error) {
	args := s.Called(ctx, skus)
	products, _ := args.Get(0).([]domain.Product)
	return products, args.Error(1)
}

func (s *mockStore) Purchase(ctx context.Context, productID string) error {
	args := s.Called(ctx, productID)
	return args.Error(0)
}

func (s *mockStore) GetHistoricalPurchases(ctx context.Context) ([]domain.PurchaseEvent, error) {
	args := s.Called(ctx)
	history, _ := args.Get(0).([]domain.PurchaseEvent)
	return history, args.Error(1)
}

func (s *mockStore) Acknowledge(ctx context.Context, purchaseToken string, consumable bool) error {
	args := s.Called(ctx, purchaseToken, consumable)
	return args.Error(0)
}

func (s *mockStore) OnPurchaseUpdated(listener func(domain.PurchaseEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.updated[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.updated, id)
	}
}

func (s *mockStore) OnPurchaseError(listener func(domain.PurchaseFailure)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.failures[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.failures, id)
	}
}

func (s *mockStore) listenerCount() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updated), len(s.failures)
}

func (s *mockStore) emitUpdated(event domain.PurchaseEvent) {
	s.mu.Lock()
	listeners := make([]func(domain.PurchaseEvent), 0, len(s.updated))
	for _, l := range s.updated {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(event)
	}
}

func (s *mockStore) emitFailure(failure domain.PurchaseFailure) {
	s.mu.Lock()
	listeners := make([]func(domain.PurchaseFailure), 0, len(s.failures))
	for _, l := range s.failures {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(failure)
	}
}

// fakeVerifier answers from respond and can hold calls until gate is closed.
type fakeVerifier struct {
	mu      sync.Mutex
	calls   []domain.VerificationRequest
	active  int
	peak    int
	gate    chan struct{}
	started chan string
	respond func(req domain.VerificationRequest) (domain.EntitlementRecord, error)
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		started: make(chan string, 64),
		respond: func(req domain.VerificationRequest) (domain.EntitlementRecord, error) {
			expires := testNow.Add(30 * 24 * time.Hour)
			return domain.EntitlementRecord{
				IsActive:   true,
				ProductID:  req.ProductID,
				ExpiresAt:  &expires,
				VerifiedAt: testNow,
				Source:     domain.SourceVerify,
			}, nil
		},
	}
}

func (v *fakeVerifier) Verify(ctx context.Context, req domain.VerificationRequest) (domain.EntitlementRecord, error) {
	v.mu.Lock()
	v.calls = append(v.calls, req)
	v.active++
	if v.active > v.peak {
		v.peak = v.active
	}
	gate := v.gate
	v.mu.Unlock()

	v.started <- req.ProofPayload
	if gate != nil {
		<-gate
	}

	v.mu.Lock()
	v.active--
	v.mu.Unlock()
	return v.respond(req)
}

func (v *fakeVerifier) Calls() []domain.VerificationRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.VerificationRequest(nil), v.calls...)
}

func (v *fakeVerifier) Peak() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peak
}

type memoryEntitlementRepo struct {
	mu     sync.Mutex
	record *domain.EntitlementRecord
	saves  int
}

func (r *memoryEntitlementRepo) Load(context.Context) (*domain.EntitlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return nil, nil
	}
	record := *r.record
	return &record, nil
}

func (r *memoryEntitlementRepo) Save(_ context.Context, record domain.EntitlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = &record
	r.saves++
	return nil
}

type memoryAckQueue struct {
	mu      sync.Mutex
	pending map[string]domain.PendingAcknowledgment
}

func newMemoryAckQueue() *memoryAckQueue {
	return &memoryAckQueue{pending: make(map[string]domain.PendingAcknowledgment)}
}

func (q *memoryAckQueue) Enqueue(_ context.Context, ack domain.PendingAcknowledgment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[ack.PurchaseToken] = ack
	return nil
}

func (q *memoryAckQueue) List(context.Context) ([]domain.PendingAcknowledgment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PendingAcknowledgment, 0, len(q.pending))
	for _, ack := range q.pending {
		out = append(out, ack)
	}
	return out, nil
}

func (q *memoryAckQueue) Remove(_ context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, token)
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	store      *mockStore
	verifier   *fakeVerifier
	repo       *memoryEntitlementRepo
	acks       *memoryAckQueue
	publisher  *recordingPublisher
	catalog    *CatalogResolver
	cache      *EntitlementCache
	machine    *StateMachine
	dispatcher *Dispatcher
	restorer   *RestoreReconciler
	service    *PremiumService
}

func newHarness(t *testing.T, opts ...MachineOption) *harness {
	t.Helper()
	h := &harness{
		store:     newMockStore(),
		verifier:  newFakeVerifier(),
		repo:      &memoryEntitlementRepo{},
		acks:      newMemoryAckQueue(),
		publisher: &recordingPublisher{},
	}
	h.catalog = NewCatalogResolver(h.store, nil, nil)
	h.cache = NewEntitlementCache(h.repo, nil)

	base := []MachineOption{
		WithPlatform(domain.PlatformAndroid),
		WithAcknowledgmentQueue(h.acks),
		WithPublisher(h.publisher),
		WithMachineClock(func() time.Time { return testNow }),
	}
	h.machine = NewStateMachine(h.verifier, h.store, h.cache, h.catalog, nil, append(base, opts...)...)
	h.dispatcher = NewDispatcher(h.store, h.machine, nil, nil)
	h.restorer = NewRestoreReconciler(h.store, h.machine, h.catalog, nil)
	h.service = NewPremiumService(h.store, h.catalog, h.cache, h.machine, h.dispatcher, h.restorer, nil)
	h.service.now = func() time.Time { return testNow }
	return h
}

func (h *harness) expectSubscriptionCatalog() {
	h.store.On("FetchProducts", mock.Anything, mock.Anything).Return([]domain.Product{
		{ID: domain.SKUWeeklyPremium, Kind: domain.ProductKindSubscription},
		{ID: domain.SKUMonthlyPremium, Kind: domain.ProductKindSubscription},
		{ID: domain.SKUYearlyPremium, Kind: domain.ProductKindSubscription},
	}, nil).Maybe()
}

func purchase(productID, token string, at time.Time) domain.PurchaseEvent {
	return domain.PurchaseEvent{ProductID: productID, PurchaseToken: token, TransactionTime: at}
}
