// Package group defines the attribute-group catalogue that drives
// extraction: which fields to pull from a resource type, which of them are
// mandatory, and which attribute groups their reference targets may belong
// to.
package group

import (
	"fmt"
	"sort"

	fx "github.com/gofhir/extract"
)

// Attribute is one declared field of an attribute group.
//
// A reference attribute (len(LinkedGroupIDs) > 0) points at a
// Reference-typed element; its targets are candidates for each linked
// group. A plain attribute only participates in must-have checking.
type Attribute struct {
	// Ref is the stable attribute reference, e.g. "Observation.subject".
	Ref string `json:"attributeRef"`

	// Path is the FHIRPath expression locating the element on the resource.
	Path string `json:"path"`

	// MustHave marks the attribute as mandatory: an empty element
	// invalidates the owning (resource, group) pairing.
	MustHave bool `json:"mustHave"`

	// LinkedGroupIDs lists the attribute groups a reference target of this
	// attribute may be considered under.
	LinkedGroupIDs []string `json:"linkedGroups,omitempty"`
}

// IsReference reports whether the attribute carries references.
func (a Attribute) IsReference() bool { return len(a.LinkedGroupIDs) > 0 }

// Predicate is a compiled filter applied to a candidate resource.
type Predicate func(res *fx.Resource) (bool, error)

// Group is one attribute group of the catalogue.
type Group struct {
	ID           string
	Name         string
	ResourceType string

	// ProfileURL is the canonical profile a candidate resource must
	// declare. Patient resources are exempt from the profile check.
	ProfileURL string

	Attributes []Attribute

	// Filter, when non-nil, must evaluate true on a candidate resource.
	Filter Predicate

	// ReferenceOnly marks a group whose membership exists solely by being
	// referenced from a valid parent: losing every parent invalidates it.
	ReferenceOnly bool
}

// RefAttributes returns the reference-bearing attributes in declaration
// order.
func (g *Group) RefAttributes() []Attribute {
	var out []Attribute
	for _, a := range g.Attributes {
		if a.IsReference() {
			out = append(out, a)
		}
	}
	return out
}

// PlainMustHaveAttributes returns the mandatory non-reference attributes.
func (g *Group) PlainMustHaveAttributes() []Attribute {
	var out []Attribute
	for _, a := range g.Attributes {
		if a.MustHave && !a.IsReference() {
			out = append(out, a)
		}
	}
	return out
}

// HasMustHave reports whether any attribute of the group is mandatory.
func (g *Group) HasMustHave() bool {
	for _, a := range g.Attributes {
		if a.MustHave {
			return true
		}
	}
	return false
}

// Catalogue is the read-only set of attribute groups for one extraction
// run, indexed by group id.
type Catalogue struct {
	groups map[string]*Group
}

// NewCatalogue builds a catalogue from groups. Group ids must be unique.
func NewCatalogue(groups ...*Group) (*Catalogue, error) {
	c := &Catalogue{groups: make(map[string]*Group, len(groups))}
	for _, g := range groups {
		if g.ID == "" {
			return nil, fmt.Errorf("attribute group without id")
		}
		if _, dup := c.groups[g.ID]; dup {
			return nil, fmt.Errorf("duplicate attribute group id %q", g.ID)
		}
		c.groups[g.ID] = g
	}
	return c, nil
}

// Get returns the group for id.
func (c *Catalogue) Get(id string) (*Group, bool) {
	g, ok := c.groups[id]
	return g, ok
}

// IDs returns the sorted group ids.
func (c *Catalogue) IDs() []string {
	ids := make([]string, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of groups.
func (c *Catalogue) Len() int { return len(c.groups) }
