package resolve

import (
	"encoding/json"
	"strings"

	"github.com/gofhir/fhirpath"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/cache"
)

// pathEvaluator evaluates element paths against resources. Presence
// checks go through compiled FHIRPath expressions, cached per expression;
// reference extraction walks the raw JSON along the dotted element path.
type pathEvaluator struct {
	exprs *cache.Map[string, compiledPath]
}

type compiledPath struct {
	expr *fhirpath.Expression
	err  error
}

func newPathEvaluator() *pathEvaluator {
	return &pathEvaluator{exprs: cache.New[string, compiledPath](64)}
}

// Stats exposes the compiled-expression cache counters.
func (p *pathEvaluator) Stats() cache.Stats {
	return p.exprs.Stats()
}

// Exists reports whether the path evaluates to a non-empty collection on
// the resource.
func (p *pathEvaluator) Exists(res *fx.Resource, path string) (bool, error) {
	cp, _ := p.exprs.GetOrCompute(path, func() compiledPath {
		expr, err := fhirpath.Compile(path)
		return compiledPath{expr: expr, err: err}
	})
	if cp.err != nil {
		return false, cp.err
	}

	result, err := cp.expr.Evaluate(res.Bytes())
	if err != nil {
		return false, err
	}
	return len(result) > 0, nil
}

// ExtractRefs collects the reference strings found at the dotted element
// path, normalized to relative "Type/id" form. Contained references
// ("#id") and malformed values are dropped. The leading resource-type
// segment of the path is skipped when it matches the resource.
func ExtractRefs(res *fx.Resource, path string) ([]string, error) {
	segments := strings.Split(path, ".")
	if len(segments) > 0 && segments[0] == res.Type() {
		segments = segments[1:]
	}

	var root any
	if err := json.Unmarshal(res.Bytes(), &root); err != nil {
		return nil, err
	}

	nodes := []any{root}
	for _, seg := range segments {
		var next []any
		for _, n := range nodes {
			obj, ok := n.(map[string]any)
			if !ok {
				continue
			}
			v, ok := obj[seg]
			if !ok {
				continue
			}
			if arr, ok := v.([]any); ok {
				next = append(next, arr...)
			} else {
				next = append(next, v)
			}
		}
		nodes = next
	}

	var refs []string
	for _, n := range nodes {
		obj, ok := n.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := obj["reference"].(string)
		if !ok || raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		rel, err := fx.RelativeRef(raw)
		if err != nil {
			continue
		}
		refs = append(refs, rel)
	}
	return refs, nil
}
