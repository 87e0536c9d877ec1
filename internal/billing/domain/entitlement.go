package domain

import "time"

// Source records which path produced an entitlement record.
type Source string

const (
	SourceVerify  Source = "verify"
	SourceRestore Source = "restore"
)

// EntitlementRecord is the single source of truth for "is the user premium".
// It is only ever produced from a successful backend verification.
type EntitlementRecord struct {
	IsActive   bool       `json:"is_active"`
	ProductID  string     `json:"product_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	VerifiedAt time.Time  `json:"verified_at"`
	Source     Source     `json:"source,omitempty"`
}

// InactiveEntitlement is the record held before anything was verified.
func InactiveEntitlement() EntitlementRecord {
	return EntitlementRecord{}
}

// ActiveAt reports whether the entitlement grants premium access at the given time.
// Records past their expiry are treated as inactive without being rewritten.
func (r EntitlementRecord) ActiveAt(now time.Time) bool {
	if !r.IsActive {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// IsZero reports whether the record was never verified.
func (r EntitlementRecord) IsZero() bool {
	return r.VerifiedAt.IsZero()
}

// Supersedes reports whether r should replace current as the settled record.
// A newer record for the same product always wins. A record for a different
// product never displaces an entitlement that is still active unless it is
// active itself and lasts at least as long; no expiry counts as the longest.
func (r EntitlementRecord) Supersedes(current EntitlementRecord, now time.Time) bool {
	if current.IsZero() || r.ProductID == current.ProductID {
		return true
	}
	if !current.ActiveAt(now) {
		return true
	}
	if !r.ActiveAt(now) {
		return false
	}
	switch {
	case r.ExpiresAt == nil:
		return true
	case current.ExpiresAt == nil:
		return false
	default:
		return !r.ExpiresAt.Before(*current.ExpiresAt)
	}
}

// Equal compares two records field by field.
func (r EntitlementRecord) Equal(other EntitlementRecord) bool {
	if r.IsActive != other.IsActive || r.ProductID != other.ProductID || r.Source != other.Source {
		return false
	}
	if !r.VerifiedAt.Equal(other.VerifiedAt) {
		return false
	}
	switch {
	case r.ExpiresAt == nil && other.ExpiresAt == nil:
		return true
	case r.ExpiresAt == nil || other.ExpiresAt == nil:
		return false
	default:
		return r.ExpiresAt.Equal(*other.ExpiresAt)
	}
}

// VerificationRequest carries a proof of purchase to the backend.
type VerificationRequest struct {
	Platform     Platform `json:"platform"`
	ProductID    string   `json:"productId"`
	ProofPayload string   `json:"proofPayload"`
}
