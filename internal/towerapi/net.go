// Package towerapi defines the wire-facing contract the retry engine
// uses to talk to a tower: registration and appointment delivery. A
// concrete HTTP implementation lives under internal/towerapi/httpclient;
// tests substitute a hand-rolled fake satisfying the same interface.
package towerapi

import (
	"context"

	"github.com/watchtower-client/retryd/internal/tower"
)

// Net is the subset of the tower's HTTP API the retry engine calls. Its
// methods return the engine's own error taxonomy (RequestError, ApiError,
// SignatureError) rather than raw transport errors, so callers in
// internal/retry never need to know the implementation is HTTP.
type Net interface {
	// Register (re-)registers the client's subscription with t, returning
	// the tower's receipt or a retry.RequestError/retry.ApiError, or a
	// retry.SignatureError when the receipt cannot be parsed.
	Register(ctx context.Context, t tower.ID) (tower.RegistrationReceipt, error)

	// AddAppointment submits a single appointment to t along with the
	// client's signature over it, returning the tower's receipt or a
	// retry.RequestError/retry.ApiError/retry.SignatureError.
	AddAppointment(ctx context.Context, t tower.ID, app tower.Appointment, signature []byte) (tower.AppointmentReceipt, error)
}

// InvalidSignatureOrSubscriptionErrorCode is the tower API's numeric
// error code signaling that the subscription must be renewed before any
// appointment can be accepted. Pinned to the value the reference
// implementation uses (see DESIGN.md), not implementation-defined.
const InvalidSignatureOrSubscriptionErrorCode = 1
