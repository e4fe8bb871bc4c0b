package resolve

import (
	"github.com/rs/zerolog"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/group"
)

// Handler turns extracted references into newly-discovered pairings. It
// classifies each candidate through the GroupValidator, records the edges
// the cascade needs later, and raises must-have violations when a
// mandatory attribute ends up with no valid candidate.
//
// Edge and attribute bookkeeping always lives in the acting bundle of the
// run; pairing validity lives in the bundle the resource routes to, so
// core pairings are shared between runs.
type Handler struct {
	validator *GroupValidator
	cat       *group.Catalogue
	logger    zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(validator *GroupValidator, cat *group.Catalogue, logger zerolog.Logger) *Handler {
	return &Handler{validator: validator, cat: cat, logger: logger}
}

// Handle processes the wrappers of one pairing. It returns the pairings
// this call was first to classify valid (the next-frontier contribution)
// and the pairings it drove invalid (the cascade seeds). By the time
// Handle runs, every target reference has already been fetched or marked
// unresolved in its routed bundle.
func (h *Handler) Handle(sc scope, wrappers []ReferenceWrapper) (newValid, newInvalid []bundle.ResourceGroup) {
	for _, w := range wrappers {
		valid, invalid := h.handleWrapper(sc, w)
		newValid = append(newValid, valid...)
		newInvalid = append(newInvalid, invalid...)
	}
	return newValid, newInvalid
}

func (h *Handler) handleWrapper(sc scope, w ReferenceWrapper) (newValid, newInvalid []bundle.ResourceGroup) {
	ra := w.Attr()
	parent := w.Parent()

	// An attribute resolved in a previous pass is not re-expanded. A
	// stale-invalid mandatory attribute re-raises against the new parent
	// instead of silently passing.
	switch sc.acting.AttributeValidity(ra) {
	case fx.Valid:
		sc.acting.AddAttributeToParent(ra, parent)
		return nil, nil
	case fx.Invalid:
		if ra.MustHave {
			return nil, h.violate(sc, ra, parent)
		}
		return nil, nil
	}

	sc.acting.AddAttributeToParent(ra, parent)

	// Edges are recorded for every candidate, valid or not: the cascade
	// needs them to retract validity later even though invalid candidates
	// never enter a frontier.
	validCandidates := 0
	seen := make(map[bundle.ResourceGroup]struct{})
	for _, ref := range w.Refs {
		target := sc.bundleFor(ref)
		entry, ok := target.Get(ref)
		if !ok || !entry.Present() {
			// Unresolved targets contribute zero candidates.
			continue
		}
		res := entry.Resource()

		for _, gid := range w.Attribute.LinkedGroupIDs {
			g, ok := h.cat.Get(gid)
			if !ok {
				// An unknown group id means no such candidate, not an error.
				h.logger.Warn().Str("group", gid).Str("attribute", ra.AttributeRef).
					Msg("attribute links unknown group")
				continue
			}

			rg := bundle.ResourceGroup{Ref: ref, GroupID: gid}
			if _, dup := seen[rg]; dup {
				continue
			}
			seen[rg] = struct{}{}

			sc.acting.AddAttributeToChild(ra, rg)

			valid, decided := target.DecideGroup(rg, func() bool {
				return h.validator.Validate(res, g)
			})
			if valid {
				validCandidates++
				if decided {
					newValid = append(newValid, rg)
				}
			}
		}
	}

	if ra.MustHave && validCandidates == 0 {
		return nil, append(newInvalid, h.violate(sc, ra, parent)...)
	}

	sc.acting.SetAttributeValidity(ra, true)
	return newValid, newInvalid
}

// violate records a must-have failure: the attribute and its owning
// pairing both go invalid. The returned pairing seeds the cascade.
func (h *Handler) violate(sc scope, ra bundle.ResourceAttribute, parent bundle.ResourceGroup) []bundle.ResourceGroup {
	h.logger.Debug().
		Str("attribute", ra.AttributeRef).
		Str("parent", parent.String()).
		Msg("must-have attribute has no valid target")

	sc.acting.SetAttributeValidity(ra, false)
	sc.bundleFor(parent.Ref).SetGroupValidity(parent, false)
	return []bundle.ResourceGroup{parent}
}
