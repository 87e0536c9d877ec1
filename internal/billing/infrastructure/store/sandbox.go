package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/google/uuid"
)

// sandboxCatalog is the fixed development catalog.
var sandboxCatalog = []domain.Product{
	{
		ID:          domain.SKUWeeklyPremium,
		Title:       "Premium (weekly)",
		Description: "All premium features, billed weekly",
		Price:       domain.NewMoney(3, 99, "USD"),
		Kind:        domain.ProductKindSubscription,
	},
	{
		ID:          domain.SKUMonthlyPremium,
		Title:       "Premium (monthly)",
		Description: "All premium features, billed monthly",
		Price:       domain.NewMoney(9, 99, "USD"),
		Kind:        domain.ProductKindSubscription,
	},
	{
		ID:          domain.SKUYearlyPremium,
		Title:       "Premium (yearly)",
		Description: "All premium features, billed yearly",
		Price:       domain.NewMoney(29, 99, "USD"),
		Kind:        domain.ProductKindSubscription,
	},
}

// SandboxCatalog returns a copy of the fixed sandbox catalog.
func SandboxCatalog() []domain.Product {
	return slices.Clone(sandboxCatalog)
}

// sandboxReceipt is the raw payload attached to sandbox purchases.
type sandboxReceipt struct {
	OrderID       string `json:"orderId"`
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
	PurchaseTime  int64  `json:"purchaseTime"`
	Sandbox       bool   `json:"sandbox"`
}

// SandboxStore is a deterministic store for development and tests. It never
// touches the network; purchases complete asynchronously like a real store.
type SandboxStore struct {
	listeners *listeners
	ledger    domain.PurchaseLedger
	logger    *slog.Logger
	now       func() time.Time
	newToken  func() string

	mu           sync.Mutex
	scripted     map[string]error
	ackErr       error
	acknowledged map[string]bool
	deliveries   sync.WaitGroup
}

// SandboxOption customizes a SandboxStore.
type SandboxOption func(*SandboxStore)

// WithSandboxClock sets the clock used for transaction times.
func WithSandboxClock(now func() time.Time) SandboxOption {
	return func(s *SandboxStore) { s.now = now }
}

// WithTokenSource sets how purchase tokens are minted.
func WithTokenSource(newToken func() string) SandboxOption {
	return func(s *SandboxStore) { s.newToken = newToken }
}

// NewSandboxStore creates a sandbox store. ledger may be nil, in which case
// history lives in memory.
func NewSandboxStore(ledger domain.PurchaseLedger, logger *slog.Logger, opts ...SandboxOption) *SandboxStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ledger == nil {
		ledger = &memoryLedger{}
	}
	s := &SandboxStore{
		listeners:    newListeners(),
		ledger:       ledger,
		logger:       logger,
		now:          time.Now,
		newToken:     func() string { return "sandbox-" + uuid.NewString() },
		scripted:     make(map[string]error),
		acknowledged: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchProducts returns the sandbox products matching skus, or the whole
// catalog when skus is empty. Unknown SKUs are skipped.
func (s *SandboxStore) FetchProducts(_ context.Context, skus []string) ([]domain.Product, error) {
	if len(skus) == 0 {
		return SandboxCatalog(), nil
	}
	products := make([]domain.Product, 0, len(skus))
	for _, p := range sandboxCatalog {
		if slices.Contains(skus, p.ID) {
			products = append(products, p)
		}
	}
	return products, nil
}

// Purchase completes a purchase of productID asynchronously, or delivers the
// failure scripted for it.
func (s *SandboxStore) Purchase(ctx context.Context, productID string) error {
	if !slices.ContainsFunc(sandboxCatalog, func(p domain.Product) bool { return p.ID == productID }) {
		return fmt.Errorf("%w: unknown sandbox product %q", domain.ErrStoreUnavailable, productID)
	}

	s.mu.Lock()
	scripted, failing := s.scripted[productID]
	delete(s.scripted, productID)
	s.mu.Unlock()

	if failing {
		s.logger.Debug("sandbox purchase failing as scripted", "product_id", productID, "error", scripted)
		s.deliver(func() {
			s.listeners.emitFailure(domain.PurchaseFailure{ProductID: productID, Err: scripted})
		})
		return nil
	}

	event, err := s.newPurchase(productID)
	if err != nil {
		return err
	}
	if err := s.ledger.Record(ctx, event); err != nil {
		return fmt.Errorf("%w: record sandbox purchase: %w", domain.ErrStoreUnavailable, err)
	}
	s.logger.Info("sandbox purchase completed",
		"product_id", productID,
		"purchase_token", domain.ShortToken(event.PurchaseToken),
	)
	s.deliver(func() { s.listeners.emitUpdated(event) })
	return nil
}

func (s *SandboxStore) newPurchase(productID string) (domain.PurchaseEvent, error) {
	token := s.newToken()
	at := s.now().UTC()
	raw, err := json.Marshal(sandboxReceipt{
		OrderID:       "SANDBOX." + token,
		ProductID:     productID,
		PurchaseToken: token,
		PurchaseTime:  at.UnixMilli(),
		Sandbox:       true,
	})
	if err != nil {
		return domain.PurchaseEvent{}, fmt.Errorf("encode sandbox receipt: %w", err)
	}
	return domain.PurchaseEvent{
		ProductID:       productID,
		PurchaseToken:   token,
		TransactionTime: at,
		RawPayload:      raw,
	}, nil
}

func (s *SandboxStore) deliver(fn func()) {
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		fn()
	}()
}

// OnPurchaseUpdated registers a listener for completed purchases.
func (s *SandboxStore) OnPurchaseUpdated(listener func(domain.PurchaseEvent)) func() {
	return s.listeners.onUpdated(listener)
}

// OnPurchaseError registers a listener for failed purchases.
func (s *SandboxStore) OnPurchaseError(listener func(domain.PurchaseFailure)) func() {
	return s.listeners.onFailure(listener)
}

// GetHistoricalPurchases returns every purchase recorded in the ledger.
func (s *SandboxStore) GetHistoricalPurchases(ctx context.Context) ([]domain.PurchaseEvent, error) {
	return s.ledger.History(ctx)
}

// Acknowledge records the acknowledgment, or fails with the scripted error.
func (s *SandboxStore) Acknowledge(_ context.Context, purchaseToken string, consumable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acknowledged[purchaseToken] = consumable
	return nil
}

// FailNextPurchase makes the next purchase of productID fail with err.
func (s *SandboxStore) FailNextPurchase(productID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[productID] = err
}

// CancelNextPurchase makes the next purchase of productID look cancelled by the user.
func (s *SandboxStore) CancelNextPurchase(productID string) {
	s.FailNextPurchase(productID, domain.ErrUserCancelled)
}

// SetAcknowledgeError makes every acknowledgment fail with err; nil restores success.
func (s *SandboxStore) SetAcknowledgeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackErr = err
}

// Acknowledged reports whether token was acknowledged and whether it was consumed.
func (s *SandboxStore) Acknowledged(purchaseToken string) (acknowledged, consumed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consumed, acknowledged = s.acknowledged[purchaseToken]
	return acknowledged, consumed
}

// Seed adds purchases to the history without notifying listeners.
func (s *SandboxStore) Seed(ctx context.Context, events ...domain.PurchaseEvent) error {
	for _, e := range events {
		if err := s.ledger.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Redeliver notifies listeners of an already completed purchase again, the
// way platform stores redeliver unacknowledged purchases.
func (s *SandboxStore) Redeliver(event domain.PurchaseEvent) {
	s.deliver(func() { s.listeners.emitUpdated(event) })
}

// Wait blocks until pending asynchronous deliveries have run.
func (s *SandboxStore) Wait() {
	s.deliveries.Wait()
}
