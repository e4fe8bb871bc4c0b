package bundle

import (
	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/cache"
)

// ResourceBundle is the resource cache for one processing scope: one per
// patient plus one shared core instance. All methods are safe for
// concurrent use; the multi-step decide-and-record sequences are atomic
// per key.
//
// The edge maps come in mirrored pairs so both directions of the
// dependency graph can be walked without recomputing reachability:
//
//	parentToAttrs / attrToParents: which pairings caused an attribute
//	occurrence to be extracted
//	attrToChildren / childToAttrs: which child pairings an attribute's
//	references produced
//
// Edge sets are copy-on-write: a set published by a getter is never
// mutated afterwards, so callers may iterate without holding any lock.
type ResourceBundle struct {
	resources *cache.Map[string, Entry]

	groupValidity *cache.Map[ResourceGroup, bool]
	attrValidity  *cache.Map[ResourceAttribute, bool]

	attrToParents  *cache.Map[ResourceAttribute, map[ResourceGroup]struct{}]
	attrToChildren *cache.Map[ResourceAttribute, map[ResourceGroup]struct{}]
	parentToAttrs  *cache.Map[ResourceGroup, map[ResourceAttribute]struct{}]
	childToAttrs   *cache.Map[ResourceGroup, map[ResourceAttribute]struct{}]

	expanded *cache.Map[ResourceGroup, struct{}]
}

// New creates an empty ResourceBundle.
func New() *ResourceBundle {
	return &ResourceBundle{
		resources:      cache.New[string, Entry](64),
		groupValidity:  cache.New[ResourceGroup, bool](64),
		attrValidity:   cache.New[ResourceAttribute, bool](64),
		attrToParents:  cache.New[ResourceAttribute, map[ResourceGroup]struct{}](64),
		attrToChildren: cache.New[ResourceAttribute, map[ResourceGroup]struct{}](64),
		parentToAttrs:  cache.New[ResourceGroup, map[ResourceAttribute]struct{}](64),
		childToAttrs:   cache.New[ResourceGroup, map[ResourceAttribute]struct{}](64),
		expanded:       cache.New[ResourceGroup, struct{}](64),
	}
}

// --- Resource cache ---

// Put caches a fetched resource under its relative reference.
func (b *ResourceBundle) Put(res *fx.Resource) {
	b.resources.Set(res.Ref(), Entry{res: res})
}

// PutIfAbsent caches the resource only when its reference is unseen.
// It reports whether this call inserted it.
func (b *ResourceBundle) PutIfAbsent(res *fx.Resource) bool {
	_, inserted := b.resources.SetIfAbsent(res.Ref(), Entry{res: res})
	return inserted
}

// PutUnresolved records that a reference is known but could not (or must
// not) be resolved to a resource.
func (b *ResourceBundle) PutUnresolved(ref string) {
	b.resources.Set(ref, Entry{})
}

// Get returns the cached entry for ref. ok is false when the reference
// was never seen; an ok entry with Present() == false is a known but
// unresolved reference.
func (b *ResourceBundle) Get(ref string) (Entry, bool) {
	return b.resources.Get(ref)
}

// Contains reports whether the reference was ever seen.
func (b *ResourceBundle) Contains(ref string) bool {
	return b.resources.Contains(ref)
}

// Resources returns every cached reference.
func (b *ResourceBundle) Resources() []string {
	return b.resources.Keys()
}

// IsEmpty reports whether no resource was ever cached.
func (b *ResourceBundle) IsEmpty() bool {
	return b.resources.Len() == 0
}

// --- Group validity ---

// SetGroupValidity records the validity decision for a pairing. The state
// is monotone: an Invalid pairing never becomes Valid again, while a Valid
// one may be downgraded. The resulting state is returned.
func (b *ResourceBundle) SetGroupValidity(rg ResourceGroup, valid bool) fx.Validity {
	result, _ := b.groupValidity.Compute(rg, func(old bool, ok bool) (bool, bool) {
		if ok && !old {
			return false, true
		}
		return valid, true
	})
	if result {
		return fx.Valid
	}
	return fx.Invalid
}

// DecideGroup classifies a pairing exactly once: when the pairing is
// undecided, decide runs and its outcome is recorded; otherwise the cached
// outcome is returned. decided reports whether this call ran decide.
// The decide-and-cache step is atomic, so two workers racing on the same
// candidate cannot both classify it.
func (b *ResourceBundle) DecideGroup(rg ResourceGroup, decide func() bool) (valid, decided bool) {
	valid, decided = b.groupValidity.GetOrCompute(rg, decide)
	return valid, decided
}

// GroupValidity returns the tri-state validity of a pairing.
func (b *ResourceBundle) GroupValidity(rg ResourceGroup) fx.Validity {
	v, ok := b.groupValidity.Get(rg)
	if !ok {
		return fx.Unknown
	}
	if v {
		return fx.Valid
	}
	return fx.Invalid
}

// KnownGroup reports whether the pairing has been decided either way.
func (b *ResourceBundle) KnownGroup(rg ResourceGroup) bool {
	return b.groupValidity.Contains(rg)
}

// KnownGroups returns every decided pairing.
func (b *ResourceBundle) KnownGroups() []ResourceGroup {
	return b.groupValidity.Keys()
}

// ValidGroups returns every currently-valid pairing.
func (b *ResourceBundle) ValidGroups() []ResourceGroup {
	var out []ResourceGroup
	b.groupValidity.Range(func(rg ResourceGroup, valid bool) bool {
		if valid {
			out = append(out, rg)
		}
		return true
	})
	return out
}

// InvalidGroups returns every invalid pairing.
func (b *ResourceBundle) InvalidGroups() []ResourceGroup {
	var out []ResourceGroup
	b.groupValidity.Range(func(rg ResourceGroup, valid bool) bool {
		if !valid {
			out = append(out, rg)
		}
		return true
	})
	return out
}

// --- Attribute validity ---

// SetAttributeValidity memoizes whether an attribute occurrence's
// must-have condition was satisfied. Monotone like group validity.
func (b *ResourceBundle) SetAttributeValidity(ra ResourceAttribute, valid bool) {
	b.attrValidity.Compute(ra, func(old bool, ok bool) (bool, bool) {
		if ok && !old {
			return false, true
		}
		return valid, true
	})
}

// AttributeValidity returns the tri-state memo for an attribute
// occurrence.
func (b *ResourceBundle) AttributeValidity(ra ResourceAttribute) fx.Validity {
	v, ok := b.attrValidity.Get(ra)
	if !ok {
		return fx.Unknown
	}
	if v {
		return fx.Valid
	}
	return fx.Invalid
}

// --- Edge bookkeeping ---

// AddAttributeToParent records that the attribute occurrence was extracted
// while parent was the acting pairing.
func (b *ResourceBundle) AddAttributeToParent(ra ResourceAttribute, parent ResourceGroup) {
	addEdge(b.attrToParents, ra, parent)
	addEdge(b.parentToAttrs, parent, ra)
}

// AddAttributeToChild records that the attribute occurrence's references
// produced the child pairing. Edges are recorded for invalid candidates
// too; the cascade needs them.
func (b *ResourceBundle) AddAttributeToChild(ra ResourceAttribute, child ResourceGroup) {
	addEdge(b.attrToChildren, ra, child)
	addEdge(b.childToAttrs, child, ra)
}

// RemoveParentFromAttribute removes parent from the attribute's
// contributing-parent set. It reports true iff this removal emptied the
// set (the attribute no longer has any justification).
func (b *ResourceBundle) RemoveParentFromAttribute(parent ResourceGroup, ra ResourceAttribute) bool {
	return removeEdge(b.attrToParents, ra, parent)
}

// RemoveAttributeFromParent removes the attribute from the parent's
// extracted-attribute set, reporting true iff the set emptied.
func (b *ResourceBundle) RemoveAttributeFromParent(parent ResourceGroup, ra ResourceAttribute) bool {
	return removeEdge(b.parentToAttrs, parent, ra)
}

// RemoveChildFromAttribute removes child from the attribute's produced-
// children set. An attribute whose last child is removed is memoized
// invalid. Reports true iff the set emptied.
func (b *ResourceBundle) RemoveChildFromAttribute(child ResourceGroup, ra ResourceAttribute) bool {
	emptied := removeEdge(b.attrToChildren, ra, child)
	if emptied {
		b.SetAttributeValidity(ra, false)
	}
	return emptied
}

// RemoveParentAttributeFromChildGroup removes the attribute from the
// child pairing's contributing-attribute set, reporting true iff the set
// emptied (the child lost its last justification).
func (b *ResourceBundle) RemoveParentAttributeFromChildGroup(child ResourceGroup, ra ResourceAttribute) bool {
	return removeEdge(b.childToAttrs, child, ra)
}

// DropAttributeChildren discards the attribute's child-edge set after the
// cascade has fully retracted it.
func (b *ResourceBundle) DropAttributeChildren(ra ResourceAttribute) {
	b.attrToChildren.Delete(ra)
}

// ParentsOf returns the pairings currently justifying the attribute.
func (b *ResourceBundle) ParentsOf(ra ResourceAttribute) []ResourceGroup {
	return edgeKeys(b.attrToParents, ra)
}

// ChildrenOf returns the child pairings the attribute produced.
func (b *ResourceBundle) ChildrenOf(ra ResourceAttribute) []ResourceGroup {
	return edgeKeys(b.attrToChildren, ra)
}

// AttributesOfParent returns the attribute occurrences extracted while rg
// was the acting parent.
func (b *ResourceBundle) AttributesOfParent(rg ResourceGroup) []ResourceAttribute {
	return edgeKeys(b.parentToAttrs, rg)
}

// AttributesOfChild returns the attribute occurrences that contributed rg
// as a child.
func (b *ResourceBundle) AttributesOfChild(rg ResourceGroup) []ResourceAttribute {
	return edgeKeys(b.childToAttrs, rg)
}

// --- Frontier bookkeeping ---

// MarkExpanded records that the pairing's outgoing references have been
// extracted and handled.
func (b *ResourceBundle) MarkExpanded(rg ResourceGroup) {
	b.expanded.Set(rg, struct{}{})
}

// ValidGroupsNotYetExpanded returns the current frontier: valid pairings
// whose references have not been extracted yet.
func (b *ResourceBundle) ValidGroupsNotYetExpanded() []ResourceGroup {
	var out []ResourceGroup
	b.groupValidity.Range(func(rg ResourceGroup, valid bool) bool {
		if valid && !b.expanded.Contains(rg) {
			out = append(out, rg)
		}
		return true
	})
	return out
}

// --- copy-on-write set helpers ---

func addEdge[K comparable, E comparable](m *cache.Map[K, map[E]struct{}], key K, elem E) {
	m.Compute(key, func(old map[E]struct{}, ok bool) (map[E]struct{}, bool) {
		if ok {
			if _, exists := old[elem]; exists {
				return old, true
			}
		}
		next := make(map[E]struct{}, len(old)+1)
		for e := range old {
			next[e] = struct{}{}
		}
		next[elem] = struct{}{}
		return next, true
	})
}

// removeEdge removes elem from the set at key. It reports true iff elem
// was present and its removal emptied the set (the key is then dropped).
func removeEdge[K comparable, E comparable](m *cache.Map[K, map[E]struct{}], key K, elem E) bool {
	emptied := false
	m.ComputeIfPresent(key, func(old map[E]struct{}) (map[E]struct{}, bool) {
		if _, exists := old[elem]; !exists {
			return old, true
		}
		if len(old) == 1 {
			emptied = true
			return nil, false
		}
		next := make(map[E]struct{}, len(old)-1)
		for e := range old {
			if e != elem {
				next[e] = struct{}{}
			}
		}
		return next, true
	})
	return emptied
}

func edgeKeys[K comparable, E comparable](m *cache.Map[K, map[E]struct{}], key K) []E {
	set, ok := m.Get(key)
	if !ok {
		return nil
	}
	out := make([]E, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	return out
}
