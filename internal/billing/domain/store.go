package domain

import "context"

// Store is the platform purchase ledger. Two implementations exist:
// a deterministic sandbox and the platform-backed store.
type Store interface {
	// FetchProducts returns the purchasable products for the given SKUs.
	FetchProducts(ctx context.Context, skus []string) ([]Product, error)

	// Purchase starts a purchase flow. Completion is reported asynchronously
	// through the purchase listeners.
	Purchase(ctx context.Context, productID string) error

	// OnPurchaseUpdated registers a listener for completed purchases.
	OnPurchaseUpdated(listener func(PurchaseEvent)) (remove func())

	// OnPurchaseError registers a listener for failed purchase attempts.
	OnPurchaseError(listener func(PurchaseFailure)) (remove func())

	// GetHistoricalPurchases returns the full purchase history known to the store.
	GetHistoricalPurchases(ctx context.Context) ([]PurchaseEvent, error)

	// Acknowledge finalizes a delivered purchase. Consumables are consumed instead.
	Acknowledge(ctx context.Context, purchaseToken string, consumable bool) error
}

// Verifier validates a proof of purchase with the backend entitlement service.
// Implementations must be safe to call repeatedly with the same proof.
type Verifier interface {
	Verify(ctx context.Context, req VerificationRequest) (EntitlementRecord, error)
}
