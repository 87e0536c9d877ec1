package domain

import "time"

// MachineState is the verification lifecycle state for a purchase token.
type MachineState string

const (
	StateIdle       MachineState = "idle"
	StateVerifying  MachineState = "verifying"
	StateFinalizing MachineState = "finalizing"
)

// Outcome is reported once a purchase token, or a failed purchase attempt,
// reaches a terminal state.
type Outcome struct {
	ProductID     string
	PurchaseToken string
	Source        Source
	// TransactionTime is the store's time for the verified purchase.
	TransactionTime time.Time
	// Record is set when verification succeeded.
	Record *EntitlementRecord
	// Err is the surfaced error, if any. ErrUserCancelled is reported
	// but is not a failure.
	Err error
	// Acknowledged is false when acknowledgment was queued for retry.
	Acknowledged bool
}

// Succeeded reports whether the outcome granted or refreshed entitlement.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Record != nil
}
