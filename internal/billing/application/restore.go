package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// RestoreReconciler selects the canonical purchase per product from the
// store's history and feeds it through the StateMachine.
type RestoreReconciler struct {
	store   domain.Store
	machine *StateMachine
	catalog *CatalogResolver
	logger  *slog.Logger
}

// NewRestoreReconciler creates a reconciler.
func NewRestoreReconciler(store domain.Store, machine *StateMachine, catalog *CatalogResolver, logger *slog.Logger) *RestoreReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RestoreReconciler{
		store:   store,
		machine: machine,
		catalog: catalog,
		logger:  logger,
	}
}

// Reconcile keeps the latest transaction per tracked product. Subscriptions
// renew in place, so older entries are stale. Equal timestamps are broken by
// the larger token. The result is ordered by product ID.
func (r *RestoreReconciler) Reconcile(_ context.Context, history []domain.PurchaseEvent) []domain.PurchaseEvent {
	latest := make(map[string]domain.PurchaseEvent)
	for _, event := range history {
		if event.PurchaseToken == "" || !r.catalog.IsTracked(event.ProductID) {
			continue
		}
		current, ok := latest[event.ProductID]
		if !ok || newer(event, current) {
			latest[event.ProductID] = event
		}
	}

	survivors := make([]domain.PurchaseEvent, 0, len(latest))
	for _, event := range latest {
		survivors = append(survivors, event)
	}
	slices.SortFunc(survivors, func(a, b domain.PurchaseEvent) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return survivors
}

func newer(a, b domain.PurchaseEvent) bool {
	if !a.TransactionTime.Equal(b.TransactionTime) {
		return a.TransactionTime.After(b.TransactionTime)
	}
	return a.PurchaseToken > b.PurchaseToken
}

// Restore reads the store's history, submits the surviving purchases and
// waits for them to settle. Permanent failures are joined; cancelling ctx
// stops the wait but leaves the flights running.
func (r *RestoreReconciler) Restore(ctx context.Context) error {
	history, err := r.store.GetHistoricalPurchases(ctx)
	if err != nil {
		return fmt.Errorf("%w: purchase history: %w", domain.ErrStoreUnavailable, err)
	}

	survivors := r.Reconcile(ctx, history)
	r.logger.Info("restoring purchases",
		"history", len(history),
		"submitted", len(survivors),
	)

	flights := make([]*flight, 0, len(survivors))
	for _, event := range survivors {
		if f := r.machine.enqueue(ctx, event, domain.SourceRestore); f != nil {
			flights = append(flights, f)
		}
	}

	var errs []error
	for _, f := range flights {
		outcome, err := r.machine.await(ctx, f)
		if err != nil {
			return err
		}
		if domain.IsPermanent(outcome.Err) {
			errs = append(errs, fmt.Errorf("restore %s: %w", outcome.ProductID, outcome.Err))
		}
	}
	return errors.Join(errs...)
}
