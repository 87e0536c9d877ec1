package domain

import "context"

// EntitlementRepository persists the last settled entitlement record.
type EntitlementRepository interface {
	// Load returns the stored record, or nil if nothing was stored yet.
	Load(ctx context.Context) (*EntitlementRecord, error)
	Save(ctx context.Context, record EntitlementRecord) error
}

// AcknowledgmentQueue persists acknowledgments awaiting retry.
type AcknowledgmentQueue interface {
	Enqueue(ctx context.Context, ack PendingAcknowledgment) error
	List(ctx context.Context) ([]PendingAcknowledgment, error)
	Remove(ctx context.Context, purchaseToken string) error
}

// PurchaseLedger records purchases observed on this device so history
// survives restarts. Recording the same token twice keeps one entry.
type PurchaseLedger interface {
	Record(ctx context.Context, event PurchaseEvent) error
	History(ctx context.Context) ([]PurchaseEvent, error)
	// Lookup returns the recorded purchase for a token, or nil.
	Lookup(ctx context.Context, purchaseToken string) (*PurchaseEvent, error)
}
