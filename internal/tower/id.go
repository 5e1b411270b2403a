// Package tower holds the data model shared by the retry engine: tower and
// appointment identifiers, tower status, revocation payloads, and the
// receipts exchanged with a tower during registration and appointment
// delivery.
package tower

import (
	"encoding/hex"
	"fmt"
)

// IDSize is the length of a compressed secp256k1 public key, the shape the
// original watchtower client uses to identify a tower.
const IDSize = 33

// ID identifies a tower by its compressed public key. It is comparable and
// therefore usable as a map key, and orderable via Compare for callers that
// need deterministic tie-breaking.
type ID [IDSize]byte

// String renders the id as lowercase hex, matching how the original client
// displays a UserId.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Compare returns -1, 0, or 1 following bytes.Compare semantics.
func (id ID) Compare(other ID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ParseID decodes a hex-encoded compressed public key into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("tower: invalid id %q: %w", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("tower: invalid id %q: expected %d bytes, got %d", s, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// LocatorSize is the length of a locator: the first 16 bytes of a
// commitment transaction id, enough to uniquely identify a revoked
// commitment without carrying the whole transaction.
const LocatorSize = 16

// Locator identifies one appointment.
type Locator [LocatorSize]byte

// String renders the locator as lowercase hex.
func (l Locator) String() string {
	return hex.EncodeToString(l[:])
}

// ParseLocator decodes a hex-encoded locator.
func ParseLocator(s string) (Locator, error) {
	var l Locator
	b, err := hex.DecodeString(s)
	if err != nil {
		return l, fmt.Errorf("tower: invalid locator %q: %w", s, err)
	}
	if len(b) != LocatorSize {
		return l, fmt.Errorf("tower: invalid locator %q: expected %d bytes, got %d", s, LocatorSize, len(b))
	}
	copy(l[:], b)
	return l, nil
}
