package retry

import (
	"errors"
	"fmt"

	"github.com/watchtower-client/retryd/internal/tower"
)

// RequestError wraps a transport-level failure talking to a tower: a
// dropped connection, a timeout, a non-200 response the tower didn't put a
// decodable error body on. It is always transient and feeds the backoff driver.
type RequestError struct {
	Err error
}

func (e RequestError) Error() string { return fmt.Sprintf("request error: %v", e.Err) }
func (e RequestError) Unwrap() error { return e.Err }

// IsRequestError reports whether err is a RequestError.
func IsRequestError(err error) bool {
	var re RequestError
	return errors.As(err, &re)
}

// ApiError is a well-formed error response from a tower: it answered, but
// refused the request. Code carries the tower's numeric error code so
// callers can recognize INVALID_SIGNATURE_OR_SUBSCRIPTION_ERROR without
// string matching.
type ApiError struct {
	Code int
	Msg  string
}

func (e ApiError) Error() string { return fmt.Sprintf("api error %d: %s", e.Code, e.Msg) }

// IsApiError reports whether err is an ApiError, returning the error for
// inspection.
func IsApiError(err error) (ApiError, bool) {
	var ae ApiError
	ok := errors.As(err, &ae)
	return ae, ok
}

// SignatureError means the tower returned a receipt that does not verify
// against its declared identity: either proof of misbehavior, or a
// malformed signature we cannot even check. Locator, Appointment, and
// TowerSignature are populated when available so the caller can build a
// MisbehaviorProof without a second round-trip.
type SignatureError struct {
	Err            error
	Locator        tower.Locator
	Appointment    tower.Appointment
	TowerSignature []byte
}

func (e SignatureError) Error() string { return fmt.Sprintf("signature error: %v", e.Err) }
func (e SignatureError) Unwrap() error { return e.Err }

// IsSignatureError reports whether err is a SignatureError.
func IsSignatureError(err error) bool {
	var se SignatureError
	return errors.As(err, &se)
}

// SubscriptionError means the tower rejected our subscription outright:
// the registration receipt it returned does not improve on the one on
// file, or registration itself failed with a permanent cause. Permanent
// subscription errors stop the Retrier; non-permanent ones are retried
// like any other transient failure.
type SubscriptionError struct {
	Msg       string
	Permanent bool
}

func (e SubscriptionError) Error() string { return fmt.Sprintf("subscription error: %s", e.Msg) }

// IsSubscriptionError reports whether err is a SubscriptionError.
func IsSubscriptionError(err error) (SubscriptionError, bool) {
	var se SubscriptionError
	ok := errors.As(err, &se)
	return se, ok
}

// MisbehavingError carries a proof of misbehavior out of the run loop.
// Misbehavior is terminal: the tower is flagged and never retried again.
type MisbehavingError struct {
	Proof tower.MisbehaviorProof
}

func (e MisbehavingError) Error() string {
	return fmt.Sprintf("tower misbehaved on locator %s", e.Proof.Locator)
}

// AbandonedError is returned when the retry campaign stops because the
// tower was removed from the client's tracked set while a retry was in
// flight. It carries no new information for the store; the Retrier simply
// exits quietly.
type AbandonedError struct {
	Tower tower.ID
}

func (e AbandonedError) Error() string {
	return fmt.Sprintf("tower %s abandoned during retry", e.Tower)
}

// PanicError records a recovered panic from inside a Retrier's run loop.
// spec.md is silent on panics; we close the gap by treating a panic the
// same as any other permanent failure, logging it and tearing the
// Retrier down rather than crashing the Manager.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPermanent reports whether err should stop a retry campaign outright
// rather than feed the backoff driver. Misbehavior, abandonment, a
// permanent subscription error, and a recovered panic are all permanent;
// everything else (RequestError, ApiError, a non-permanent
// SubscriptionError) is transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var me MisbehavingError
	if errors.As(err, &me) {
		return true
	}
	var ae AbandonedError
	if errors.As(err, &ae) {
		return true
	}
	var pe PanicError
	if errors.As(err, &pe) {
		return true
	}
	if se, ok := IsSubscriptionError(err); ok {
		return se.Permanent
	}
	return false
}
