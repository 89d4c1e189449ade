package core

import (
	"fmt"

	"github.com/google/uuid"
)

// AssociationIDType is the type byte in an AssociationID's serialised
// envelope. UUID is the only variant currently defined.
type AssociationIDType uint8

const (
	AssociationIDUUID AssociationIDType = 0
)

const (
	// maxAssociationIDLength is long enough for a type byte plus 128
	// bytes of payload.
	maxAssociationIDLength = 129
	// nullAssociationIDString is printed for a nil/unset AssociationID.
	nullAssociationIDString = "Not-Set"
)

// AssociationID is a tagged envelope [type-byte | payload]. Equality is
// tag-and-payload comparison, no dynamic dispatch needed.
type AssociationID struct {
	idType  AssociationIDType
	payload []byte
}

// NewUUIDAssociationID creates a fresh random UUID-based AssociationID.
func NewUUIDAssociationID() AssociationID {
	id := uuid.New()
	b := id[:]
	return AssociationID{idType: AssociationIDUUID, payload: append([]byte(nil), b...)}
}

// MakeAssociationID reconstructs an AssociationID from its wire bytes. An
// empty input yields the null (not-set) ID rather than an error. An
// unrecognised type byte, or a total length outside [2, 129], is an error.
func MakeAssociationID(b []byte) (AssociationID, error) {
	if len(b) == 0 {
		return AssociationID{}, nil
	}
	if len(b) < 2 || len(b) > maxAssociationIDLength {
		return AssociationID{}, fmt.Errorf("association id: bad length %d", len(b))
	}
	idType := AssociationIDType(b[0])
	switch idType {
	case AssociationIDUUID:
		payload := b[1:]
		if len(payload) != 16 {
			return AssociationID{}, fmt.Errorf("association id: uuid payload must be 16 bytes, got %d", len(payload))
		}
		return AssociationID{idType: idType, payload: append([]byte(nil), payload...)}, nil
	default:
		return AssociationID{}, fmt.Errorf("association id: unknown type byte %d", idType)
	}
}

// IsNull reports whether this is the unset AssociationID (the zero value,
// or the result of MakeAssociationID(nil)).
func (a AssociationID) IsNull() bool {
	return len(a.payload) == 0
}

// Equal compares two AssociationIDs by type byte and payload bytes.
func (a AssociationID) Equal(other AssociationID) bool {
	if a.idType != other.idType {
		return false
	}
	if len(a.payload) != len(other.payload) {
		return false
	}
	for i := range a.payload {
		if a.payload[i] != other.payload[i] {
			return false
		}
	}
	return true
}

// GetBytes returns the serialised form, including the type byte. A null ID
// returns an empty slice.
func (a AssociationID) GetBytes() []byte {
	if a.IsNull() {
		return nil
	}
	out := make([]byte, 0, 1+len(a.payload))
	out = append(out, byte(a.idType))
	out = append(out, a.payload...)
	return out
}

// String renders the AssociationID for logging; a null ID prints as
// "Not-Set".
func (a AssociationID) String() string {
	if a.IsNull() {
		return nullAssociationIDString
	}
	switch a.idType {
	case AssociationIDUUID:
		if u, err := uuid.FromBytes(a.payload); err == nil {
			return u.String()
		}
	}
	return fmt.Sprintf("type=%d:%x", a.idType, a.payload)
}
