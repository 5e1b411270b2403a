package retry

import "github.com/watchtower-client/retryd/internal/tower"

// Signer produces the client's signature over an outbound appointment.
// Key derivation and the signature scheme itself are cryptographic
// primitives outside the retry engine's scope; the engine only needs
// something that can sign on demand.
type Signer interface {
	SignAppointment(app tower.Appointment) ([]byte, error)
}

// Verifier checks a tower's signature on a registration receipt against
// the tower's declared identity. Like Signer, the actual cryptography is
// out of scope for the retry engine; this interface is the seam the
// engine calls through to decide whether a receipt is acceptable.
type Verifier interface {
	VerifyRegistration(t tower.ID, receipt tower.RegistrationReceipt) error
}
