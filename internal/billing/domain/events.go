package domain

import "time"

// Routing keys for billing events.
const (
	RoutingKeyEntitlementChanged = "billing.entitlement.changed"
	RoutingKeyPurchaseUpdated    = "store.purchase.updated"
	RoutingKeyPurchaseFailed     = "store.purchase.failed"
)

// AggregateTypeEntitlement names the entitlement aggregate on the bus.
const AggregateTypeEntitlement = "billing.entitlement"

// EntitlementChangedPayload is published after a verified record lands in the cache.
type EntitlementChangedPayload struct {
	PurchaseToken string            `json:"purchase_token"`
	Previous      EntitlementRecord `json:"previous"`
	Current       EntitlementRecord `json:"current"`
	ChangedAt     time.Time         `json:"changed_at"`
}

// PurchaseNotification is a store-side notification about a purchase, as
// delivered over the message bus.
type PurchaseNotification struct {
	ProductID       string    `json:"product_id"`
	PurchaseToken   string    `json:"purchase_token,omitempty"`
	TransactionTime time.Time `json:"transaction_time,omitempty"`
	// Reason is set on failure notifications. "user_cancelled" maps to ErrUserCancelled.
	Reason string `json:"reason,omitempty"`
}

// FailureReasonUserCancelled is the notification reason for a cancelled purchase flow.
const FailureReasonUserCancelled = "user_cancelled"
