package domain

import (
	"encoding/json"
	"time"
)

// Platform identifies the store a proof of purchase originates from.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformSandbox Platform = "sandbox"
)

// PurchaseEvent is a single store transaction, delivered live or read from
// purchase history. A purchase token denotes exactly one transaction and may
// be delivered more than once.
type PurchaseEvent struct {
	ProductID       string          `json:"product_id"`
	PurchaseToken   string          `json:"purchase_token"`
	TransactionTime time.Time       `json:"transaction_time"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
}

// ProofPayload returns the opaque proof sent to the backend.
// The raw platform payload is preferred; the token is the fallback.
func (e PurchaseEvent) ProofPayload() string {
	if len(e.RawPayload) > 0 {
		return string(e.RawPayload)
	}
	return e.PurchaseToken
}

// PurchaseFailure is a store-reported error for a purchase attempt,
// raised before any proof of payment exists.
type PurchaseFailure struct {
	ProductID string
	Err       error
}

// PendingAcknowledgment is an acknowledgment that failed after the
// entitlement was already granted and must be retried later.
type PendingAcknowledgment struct {
	PurchaseToken string    `json:"purchase_token"`
	ProductID     string    `json:"product_id"`
	Consumable    bool      `json:"consumable"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ShortToken truncates a purchase token for logging.
func ShortToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "…"
}
