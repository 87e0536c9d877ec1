package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork indicates a network or 5xx failure that may succeed on retry.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrInvalidProof indicates the backend rejected the proof of purchase.
	ErrInvalidProof = errors.New("purchase could not be verified")

	// ErrUserCancelled indicates the user backed out of the purchase flow.
	ErrUserCancelled = errors.New("purchase cancelled by user")

	// ErrStoreUnavailable indicates the store failed before any proof existed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAcknowledgment indicates the store did not accept the acknowledgment.
	ErrAcknowledgment = errors.New("purchase acknowledgment failed")

	// ErrProductNotTracked indicates a product outside the tracked catalog.
	ErrProductNotTracked = errors.New("product not tracked")

	// ErrCircuitOpen indicates the verification endpoint is temporarily short-circuited.
	ErrCircuitOpen = errors.New("verification circuit open")

	// ErrMissingPurchaseToken indicates a purchase event without a token.
	ErrMissingPurchaseToken = errors.New("purchase event has no token")
)

// ErrorKind classifies a verification failure.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindInvalid   ErrorKind = "invalid_proof"
)

// VerificationError is the structured failure returned by the verification endpoint.
type VerificationError struct {
	Kind ErrorKind
	// Code is the HTTP status of the final attempt, 0 for network failures.
	Code int
	// Reason is the backend's machine-readable error code, when present.
	Reason  string
	Message string
	// Attempts is how many calls were made before giving up.
	Attempts int
	Err      error
}

func (e *VerificationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("verification failed (%s, code %d): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("verification failed (%s): %s", e.Kind, msg)
}

// Unwrap exposes the kind sentinel and the underlying cause to errors.Is.
func (e *VerificationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	switch e.Kind {
	case KindTransient:
		errs = append(errs, ErrTransientNetwork)
	case KindInvalid:
		errs = append(errs, ErrInvalidProof)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether another attempt could change the outcome.
func (e *VerificationError) Retryable() bool {
	return e.Kind == KindTransient
}

// IsPermanent reports whether err must be surfaced to the caller of a purchase
// or restore action.
func IsPermanent(err error) bool {
	if err == nil || errors.Is(err, ErrUserCancelled) {
		return false
	}
	return true
}
