package resolve

import (
	"fmt"

	"github.com/rs/zerolog"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/group"
)

// Extractor pulls the outgoing reference strings out of one resource
// under one attribute group.
type Extractor struct {
	logger  zerolog.Logger
	metrics *fx.Metrics
}

// NewExtractor creates an Extractor.
func NewExtractor(logger zerolog.Logger, metrics *fx.Metrics) *Extractor {
	return &Extractor{logger: logger, metrics: metrics}
}

// Extract produces one ReferenceWrapper per reference-bearing attribute
// of g. A mandatory attribute with no targets aborts the whole extraction
// with MustHaveViolatedError; no partial wrapper list is returned. An
// empty target list on a non-mandatory attribute is a legal "no edges"
// result.
func (e *Extractor) Extract(res *fx.Resource, g *group.Group) ([]ReferenceWrapper, error) {
	var out []ReferenceWrapper
	for _, attr := range g.RefAttributes() {
		refs, err := ExtractRefs(res, attr.Path)
		if err != nil {
			return nil, fmt.Errorf("extract %s from %s: %w", attr.Ref, res.Ref(), err)
		}
		if attr.MustHave && len(refs) == 0 {
			return nil, &fx.MustHaveViolatedError{
				Attribute: attr.Ref,
				Parent:    res.Ref(),
				GroupID:   g.ID,
			}
		}
		if e.metrics != nil {
			e.metrics.RecordExtracted(len(refs))
		}
		out = append(out, ReferenceWrapper{
			ParentRef: res.Ref(),
			GroupID:   g.ID,
			Attribute: attr,
			Refs:      refs,
		})
	}
	if len(out) > 0 {
		e.logger.Trace().
			Str("ref", res.Ref()).
			Str("group", g.ID).
			Int("attributes", len(out)).
			Msg("extracted references")
	}
	return out, nil
}
