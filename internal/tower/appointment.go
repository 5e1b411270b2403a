package tower

// Appointment is a signed commitment sent to a tower, asking it to watch
// for a revoked channel state and broadcast the penalty transaction if it
// appears on chain. The core never interprets the payload; it only signs,
// stores, and forwards it.
type Appointment struct {
	Locator Locator
	// Encoded is the opaque, pre-serialized appointment body the tower
	// expects. Cryptographic construction of this payload is out of
	// scope for the retry engine.
	Encoded []byte
}

// AppointmentReceipt is returned by a tower on successful delivery. It
// proves the tower accepted the appointment and commits it to a minimum
// number of slots starting at a given block.
type AppointmentReceipt struct {
	UserSignature  []byte // the client's signature the tower echoes back
	StartBlock     uint32
	TowerSignature []byte // the tower's signature over the receipt
}

// RegistrationReceipt is returned by a tower on (re-)registration. It
// commits the tower to serving the client up to AvailableSlots appointment
// slots until SubscriptionExpiry.
type RegistrationReceipt struct {
	UserID             ID
	AvailableSlots     uint32
	SubscriptionExpiry uint32
	Signature          []byte
}

// Improves reports whether r strictly improves on prev: both a higher
// expiry and more slots than the subscription currently on file. The
// expiry is checked first, so a receipt failing both is rejected with
// RejectExpiry. add_update_tower rejects a receipt that does not improve.
func (r RegistrationReceipt) Improves(prev RegistrationReceipt) (bool, RejectReason) {
	if r.SubscriptionExpiry <= prev.SubscriptionExpiry {
		return false, RejectExpiry
	}
	if r.AvailableSlots <= prev.AvailableSlots {
		return false, RejectSlots
	}
	return true, ""
}

// RejectReason explains why add_update_tower refused a registration
// receipt.
type RejectReason string

const (
	RejectExpiry RejectReason = "expiry_not_higher"
	RejectSlots  RejectReason = "slots_not_higher"
)
