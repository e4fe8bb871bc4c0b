package resolve

import (
	"github.com/rs/zerolog"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/group"
)

// GroupValidator classifies a candidate (resource, group) pairing. The
// decision procedure is pure given the resource, so racing workers that
// both evaluate the same candidate converge to the same boolean; the
// caller memoizes the outcome through the bundle.
type GroupValidator struct {
	paths   *pathEvaluator
	logger  zerolog.Logger
	metrics *fx.Metrics
}

// NewGroupValidator creates a GroupValidator with its own compiled-path
// cache.
func NewGroupValidator(logger zerolog.Logger, metrics *fx.Metrics) *GroupValidator {
	return &GroupValidator{
		paths:   newPathEvaluator(),
		logger:  logger,
		metrics: metrics,
	}
}

// Validate runs the decision procedure, short-circuiting left to right:
// resource type and profile match, mandatory plain attributes present,
// filter predicate true. Patient resources are exempt from the profile
// check. Evaluation errors classify the pairing invalid.
func (v *GroupValidator) Validate(res *fx.Resource, g *group.Group) bool {
	valid := v.validate(res, g)
	if v.metrics != nil {
		v.metrics.RecordValidation(valid)
	}
	return valid
}

func (v *GroupValidator) validate(res *fx.Resource, g *group.Group) bool {
	if g.ResourceType != "" && res.Type() != g.ResourceType {
		return false
	}

	if g.ProfileURL != "" && res.Type() != "Patient" && !res.HasProfile(g.ProfileURL) {
		v.logger.Debug().
			Str("ref", res.Ref()).
			Str("group", g.ID).
			Str("profile", g.ProfileURL).
			Msg("profile not declared")
		return false
	}

	for _, attr := range g.PlainMustHaveAttributes() {
		present, err := v.paths.Exists(res, attr.Path)
		if err != nil {
			v.logger.Warn().Err(err).
				Str("ref", res.Ref()).
				Str("attribute", attr.Ref).
				Msg("must-have path evaluation failed")
			return false
		}
		if !present {
			return false
		}
	}

	if g.Filter != nil {
		ok, err := g.Filter(res)
		if err != nil {
			v.logger.Warn().Err(err).
				Str("ref", res.Ref()).
				Str("group", g.ID).
				Msg("filter evaluation failed")
			return false
		}
		return ok
	}
	return true
}
