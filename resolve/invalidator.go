package resolve

import (
	"github.com/rs/zerolog"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/group"
)

// Invalidator retracts validity from pairings that existed only because
// of a pairing that turned out invalid. It walks the edges recorded in
// the acting bundle with an explicit worklist; cycles in the reference
// graph are broken by the processed set, not by recursion depth.
type Invalidator struct {
	cat     *group.Catalogue
	logger  zerolog.Logger
	metrics *fx.Metrics
}

// NewInvalidator creates an Invalidator.
func NewInvalidator(cat *group.Catalogue, logger zerolog.Logger, metrics *fx.Metrics) *Invalidator {
	return &Invalidator{cat: cat, logger: logger, metrics: metrics}
}

// Invalidate drains the cascade from the given seed pairings, which must
// already be marked invalid. Each pairing is processed at most once;
// processing drains its parent-attribute edges one way, so re-seeding an
// already-drained pairing is a no-op.
func (inv *Invalidator) Invalidate(sc scope, seeds []bundle.ResourceGroup) {
	processed := make(map[bundle.ResourceGroup]struct{})
	work := append([]bundle.ResourceGroup(nil), seeds...)

	for len(work) > 0 {
		rg := work[len(work)-1]
		work = work[:len(work)-1]
		if _, done := processed[rg]; done {
			continue
		}
		processed[rg] = struct{}{}
		if inv.metrics != nil {
			inv.metrics.RecordInvalidation()
		}

		// Upward first: a mandatory attribute on some parent may have
		// just lost its last valid target.
		work = append(work, inv.escalate(sc, rg)...)

		for _, ra := range sc.acting.AttributesOfParent(rg) {
			sc.acting.RemoveAttributeFromParent(rg, ra)
			if !sc.acting.RemoveParentFromAttribute(rg, ra) {
				// Another still-valid parent keeps the attribute alive.
				continue
			}
			work = append(work, inv.retractAttribute(sc, ra)...)
		}
	}
}

// retractAttribute handles an attribute occurrence that lost its last
// parent: every child pairing it alone justified loses that contribution,
// and reference-only children with no contribution left go invalid. The
// attribute's child edges are dropped afterwards, fully retracted.
func (inv *Invalidator) retractAttribute(sc scope, ra bundle.ResourceAttribute) []bundle.ResourceGroup {
	var next []bundle.ResourceGroup
	for _, child := range sc.acting.ChildrenOf(ra) {
		if !sc.acting.RemoveParentAttributeFromChildGroup(child, ra) {
			continue
		}
		g, ok := inv.cat.Get(child.GroupID)
		if !ok || !g.ReferenceOnly {
			// The child has an independent validity basis and survives.
			continue
		}
		childBundle := sc.bundleFor(child.Ref)
		if childBundle.GroupValidity(child) != fx.Valid {
			continue
		}
		childBundle.SetGroupValidity(child, false)
		if inv.metrics != nil {
			inv.metrics.RecordCascade()
		}
		inv.logger.Debug().
			Str("pairing", child.String()).
			Str("attribute", ra.String()).
			Msg("reference-only pairing lost its last parent")
		next = append(next, child)
	}
	sc.acting.DropAttributeChildren(ra)
	return next
}

// escalate walks upward from a freshly-invalidated pairing: the child is
// dropped from every attribute that produced it, and a mandatory
// attribute whose candidates are now all invalid drags its own parent
// down too.
func (inv *Invalidator) escalate(sc scope, child bundle.ResourceGroup) []bundle.ResourceGroup {
	var next []bundle.ResourceGroup
	for _, ra := range sc.acting.AttributesOfChild(child) {
		sc.acting.RemoveChildFromAttribute(child, ra)
		if !ra.MustHave {
			continue
		}
		if anyValidChild(sc, ra, child) {
			continue
		}
		parent := ra.Parent()
		parentBundle := sc.bundleFor(parent.Ref)
		if parentBundle.GroupValidity(parent) != fx.Valid {
			continue
		}
		sc.acting.SetAttributeValidity(ra, false)
		parentBundle.SetGroupValidity(parent, false)
		if inv.metrics != nil {
			inv.metrics.RecordCascade()
		}
		inv.logger.Debug().
			Str("pairing", parent.String()).
			Str("attribute", ra.AttributeRef).
			Msg("mandatory attribute lost its last valid target")
		next = append(next, parent)
	}
	return next
}

func anyValidChild(sc scope, ra bundle.ResourceAttribute, except bundle.ResourceGroup) bool {
	for _, c := range sc.acting.ChildrenOf(ra) {
		if c == except {
			continue
		}
		if sc.bundleFor(c.Ref).GroupValidity(c) == fx.Valid {
			return true
		}
	}
	return false
}
