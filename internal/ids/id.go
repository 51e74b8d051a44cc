// Package ids provides time-ordered 128-bit identifiers and content hashing
// for the replication engine. op_id and bundle_id both use UUIDv7: the
// leading 48 bits encode millisecond physical time, making ids k-sortable,
// while the trailing bits are cryptographically random.
package ids

import (
	"crypto/sha256"

	"github.com/google/uuid"
)

// ID is a 128-bit time-ordered identifier, k-sortable by construction.
type ID [16]byte

// New generates a fresh time-ordered id (UUIDv7).
func New() (ID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return ID{}, err
	}
	var id ID
	copy(id[:], u[:])
	return id, nil
}

// MustNew panics if id generation fails; only the system clock or the OS
// random source can cause that, so callers on the happy path use this.
func MustNew() ID {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the id in canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the raw 16 bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// Less orders ids lexicographically by byte value, which — because the
// leading bytes are a millisecond timestamp — also orders by creation time.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Parse decodes a canonical UUID string into an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	var id ID
	copy(id[:], u[:])
	return id, nil
}

// FromBytes wraps a 16-byte slice as an ID without copying semantics beyond
// what the caller already holds.
func FromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// ContentHash computes the SHA-256 digest used for bundle integrity checks.
func ContentHash(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
