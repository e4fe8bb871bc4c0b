// Package bundle holds the shared mutable store of fetched resources and
// the validity and edge bookkeeping that reference resolution maintains:
// which (resource, group) pairings are valid, which attribute occurrence
// discovered which child pairing, and which parents justify an attribute's
// existence.
package bundle

import fx "github.com/gofhir/extract"

// ResourceGroup is a (resource, attribute-group) pairing, the unit of
// validity. The same physical resource can be valid under one group and
// invalid under another.
type ResourceGroup struct {
	// Ref is the "Type/id" reference of the resource.
	Ref string

	// GroupID identifies the attribute group.
	GroupID string
}

// String returns "Type/id@group".
func (rg ResourceGroup) String() string { return rg.Ref + "@" + rg.GroupID }

// ResourceAttribute is one reference-bearing field occurrence on one
// resource under one group, the unit of edge bookkeeping. The full key is
// (parent resource, owning group, attribute); MustHave rides along so the
// cascade can escalate without a catalogue lookup.
type ResourceAttribute struct {
	ParentRef    string
	GroupID      string
	AttributeRef string
	MustHave     bool
}

// Parent returns the pairing that owns this attribute occurrence.
func (ra ResourceAttribute) Parent() ResourceGroup {
	return ResourceGroup{Ref: ra.ParentRef, GroupID: ra.GroupID}
}

// String returns "Type/id@group#attribute".
func (ra ResourceAttribute) String() string {
	return ra.ParentRef + "@" + ra.GroupID + "#" + ra.AttributeRef
}

// Entry is the cached state of one reference. A reference the cache never
// saw has no Entry at all; an Entry with a nil resource records a fetch
// that was attempted (or forbidden) but produced nothing.
type Entry struct {
	res *fx.Resource
}

// Present reports whether the entry carries a fetched resource.
func (e Entry) Present() bool { return e.res != nil }

// Resource returns the fetched resource, or nil for an unresolved entry.
func (e Entry) Resource() *fx.Resource { return e.res }
