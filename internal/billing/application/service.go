// Package application reconciles premium entitlement across the platform
// store, the backend verification service and the local cache.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// PremiumService is the surface exposed to the UI layer: entitlement state
// and explicit purchase and restore actions.
type PremiumService struct {
	store      domain.Store
	catalog    *CatalogResolver
	cache      *EntitlementCache
	machine    *StateMachine
	dispatcher *Dispatcher
	restorer   *RestoreReconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewPremiumService wires the service from its components.
func NewPremiumService(
	store domain.Store,
	catalog *CatalogResolver,
	cache *EntitlementCache,
	machine *StateMachine,
	dispatcher *Dispatcher,
	restorer *RestoreReconciler,
	logger *slog.Logger,
) *PremiumService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PremiumService{
		store:      store,
		catalog:    catalog,
		cache:      cache,
		machine:    machine,
		dispatcher: dispatcher,
		restorer:   restorer,
		logger:     logger,
		now:        time.Now,
	}
}

// Start hydrates the cache, attaches the dispatcher and runs the startup
// sweep: queued acknowledgments first, then a restore.
func (s *PremiumService) Start(ctx context.Context) error {
	if err := s.cache.Hydrate(ctx); err != nil {
		s.logger.Warn("failed to load stored entitlement", "error", err)
	}
	s.dispatcher.Attach()

	if acked, err := s.machine.RetryPendingAcknowledgments(ctx); err != nil {
		s.logger.Warn("pending acknowledgment sweep incomplete", "acknowledged", acked, "error", err)
	} else if acked > 0 {
		s.logger.Info("pending acknowledgments delivered", "acknowledged", acked)
	}

	if err := s.restorer.Restore(ctx); err != nil {
		return fmt.Errorf("startup restore: %w", err)
	}
	return nil
}

// Close detaches from the store and waits for in-flight verifications to
// settle within their retry bound.
func (s *PremiumService) Close() {
	s.dispatcher.Detach()
	s.machine.Wait()
}

// CurrentEntitlement returns the last settled entitlement record.
func (s *PremiumService) CurrentEntitlement() domain.EntitlementRecord {
	return s.machine.CurrentEntitlement()
}

// IsPremium reports whether the current record grants access right now.
func (s *PremiumService) IsPremium() bool {
	return s.machine.CurrentEntitlement().ActiveAt(s.now())
}

// Subscribe registers a listener for entitlement changes.
func (s *PremiumService) Subscribe(listener func(domain.EntitlementRecord)) (unsubscribe func()) {
	return s.machine.Subscribe(listener)
}

// Products returns the tracked products.
func (s *PremiumService) Products(ctx context.Context) ([]domain.Product, error) {
	return s.catalog.FetchProducts(ctx, nil)
}

// InitiatePurchase starts a purchase and waits for its terminal outcome.
// User cancellation returns nil and leaves the entitlement unchanged; store
// failures and permanent verification failures are returned.
func (s *PremiumService) InitiatePurchase(ctx context.Context, productID string) error {
	if !s.catalog.IsTracked(productID) {
		return fmt.Errorf("%w: %s", domain.ErrProductNotTracked, productID)
	}

	started := s.now()
	known := s.machine.inFlightTokens()
	result := make(chan domain.Outcome, 1)
	remove := s.machine.OnOutcome(func(o domain.Outcome) {
		if !ownsOutcome(o, productID, started, known) {
			return
		}
		select {
		case result <- o:
		default:
		}
	})
	defer remove()

	if err := s.store.Purchase(ctx, productID); err != nil {
		if errors.Is(err, domain.ErrUserCancelled) {
			return nil
		}
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	select {
	case o := <-result:
		if errors.Is(o.Err, domain.ErrUserCancelled) {
			s.logger.Info("purchase cancelled", "product_id", productID)
			return nil
		}
		return o.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// purchaseClockSkew tolerates store transaction times behind the local clock.
const purchaseClockSkew = time.Minute

// ownsOutcome reports whether o settles the purchase of productID started at
// started. Store failures carry no token and count when their product matches
// or is unknown. Verified tokens count only if they are live purchases of the
// product that were not already in flight and were not made before the call.
func ownsOutcome(o domain.Outcome, productID string, started time.Time, known map[string]struct{}) bool {
	if o.PurchaseToken == "" {
		return o.ProductID == "" || o.ProductID == productID
	}
	if o.ProductID != productID || o.Source == domain.SourceRestore {
		return false
	}
	if _, ok := known[o.PurchaseToken]; ok {
		return false
	}
	return o.TransactionTime.IsZero() || !o.TransactionTime.Before(started.Add(-purchaseClockSkew))
}

// RestorePurchases re-verifies the latest purchase of every tracked product.
func (s *PremiumService) RestorePurchases(ctx context.Context) error {
	return s.restorer.Restore(ctx)
}

// MachineState reports the state machine's summary state.
func (s *PremiumService) MachineState() domain.MachineState {
	return s.machine.State()
}
