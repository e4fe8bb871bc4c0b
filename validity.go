package fhirextract

// Validity is the tri-state decision for a (resource, group) pairing or a
// (resource, attribute) occurrence.
//
// A pairing starts Unknown, is decided exactly once to Valid or Invalid,
// and may later be downgraded Valid to Invalid by cascading invalidation.
// It never returns to Unknown and never goes Invalid to Valid.
type Validity int

// Validity states.
const (
	Unknown Validity = iota
	Valid
	Invalid
)

// String returns the lowercase name of the state.
func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Decided reports whether the state is Valid or Invalid.
func (v Validity) Decided() bool { return v != Unknown }
