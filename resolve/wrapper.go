// Package resolve implements reference resolution: starting from the
// directly-matched pairings, it repeatedly extracts outgoing references,
// fetches unknown targets in bulk, classifies each candidate pairing, and
// retracts validity from pairings that existed only because of one that
// turned out invalid. Resolution runs to a quiescent fixed point; a
// must-have violation invalidates one branch, never the whole run.
package resolve

import (
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/group"
)

// ReferenceWrapper carries the target references extracted from one
// attribute occurrence, between the extraction and handling phases of a
// resolution step.
type ReferenceWrapper struct {
	// ParentRef is the "Type/id" reference of the extracted resource.
	ParentRef string

	// GroupID is the attribute group the parent was considered under.
	GroupID string

	// Attribute is the catalogue attribute the references came from.
	Attribute group.Attribute

	// Refs are the raw target reference strings, relative form. May be
	// empty for a non-mandatory attribute.
	Refs []string
}

// Attr returns the bookkeeping key for this occurrence.
func (w ReferenceWrapper) Attr() bundle.ResourceAttribute {
	return bundle.ResourceAttribute{
		ParentRef:    w.ParentRef,
		GroupID:      w.GroupID,
		AttributeRef: w.Attribute.Ref,
		MustHave:     w.Attribute.MustHave,
	}
}

// Parent returns the pairing that owns this occurrence.
func (w ReferenceWrapper) Parent() bundle.ResourceGroup {
	return bundle.ResourceGroup{Ref: w.ParentRef, GroupID: w.GroupID}
}
