package fhirextract

import (
	"errors"
	"fmt"
)

// MustHaveViolatedError reports that a mandatory field or mandatory
// reference target was absent or invalid. It is always recoverable: it
// downgrades exactly one pairing (and its dependents) and never aborts the
// surrounding resolution step.
type MustHaveViolatedError struct {
	// Attribute is the attribute reference whose must-have condition failed.
	Attribute string

	// Parent is the "Type/id" reference of the resource that owns the
	// attribute.
	Parent string

	// GroupID is the attribute group under which the parent was being
	// considered.
	GroupID string
}

// Error implements error.
func (e *MustHaveViolatedError) Error() string {
	return fmt.Sprintf("must-have violated: attribute %s on %s (group %s)", e.Attribute, e.Parent, e.GroupID)
}

// IsMustHaveViolated reports whether err is a MustHaveViolatedError.
func IsMustHaveViolated(err error) bool {
	var mh *MustHaveViolatedError
	return errors.As(err, &mh)
}

// ErrUnknownReference is returned when a resolution flow asks the cache
// about a reference it was never told about. This is a programming error
// in the caller, not a data condition.
var ErrUnknownReference = errors.New("reference was never seen by the cache")
