package application

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// CatalogResolver fetches purchasable products from the configured store and
// owns the set of tracked SKUs.
type CatalogResolver struct {
	store   domain.Store
	tracked []string
	logger  *slog.Logger

	mu    sync.RWMutex
	kinds map[string]domain.ProductKind
}

// NewCatalogResolver creates a resolver. An empty tracked list falls back to
// the default premium SKUs.
func NewCatalogResolver(store domain.Store, tracked []string, logger *slog.Logger) *CatalogResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(tracked) == 0 {
		tracked = domain.DefaultTrackedSKUs
	}
	return &CatalogResolver{
		store:   store,
		tracked: slices.Clone(tracked),
		logger:  logger,
		kinds:   make(map[string]domain.ProductKind),
	}
}

// FetchProducts returns the products for skus, or for the tracked set when
// skus is empty. Store failures are returned wrapped and never touch
// entitlement state.
func (r *CatalogResolver) FetchProducts(ctx context.Context, skus []string) ([]domain.Product, error) {
	if len(skus) == 0 {
		skus = r.tracked
	}
	products, err := r.store.FetchProducts(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}

	r.mu.Lock()
	for _, p := range products {
		r.kinds[p.ID] = p.Kind
	}
	r.mu.Unlock()

	return products, nil
}

// Tracked returns the tracked SKU set.
func (r *CatalogResolver) Tracked() []string {
	return slices.Clone(r.tracked)
}

// IsTracked reports whether productID belongs to the tracked set.
func (r *CatalogResolver) IsTracked(productID string) bool {
	return slices.Contains(r.tracked, productID)
}

// IsConsumable reports whether productID must be consumed rather than
// acknowledged. Unknown products are looked up once; on lookup failure the
// product is treated as a subscription.
func (r *CatalogResolver) IsConsumable(ctx context.Context, productID string) bool {
	r.mu.RLock()
	kind, ok := r.kinds[productID]
	r.mu.RUnlock()
	if ok {
		return kind == domain.ProductKindConsumable
	}

	if _, err := r.FetchProducts(ctx, []string{productID}); err != nil {
		r.logger.Warn("product kind lookup failed, acknowledging as subscription",
			"product_id", productID,
			"error", err,
		)
		return false
	}

	r.mu.RLock()
	kind = r.kinds[productID]
	r.mu.RUnlock()
	return kind == domain.ProductKindConsumable
}
