package group

import (
	"fmt"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"

	fx "github.com/gofhir/extract"
)

// CompileFilter compiles a FHIRPath filter expression into a Predicate.
//
// The result follows FHIRPath truthiness: an empty collection is false, a
// single boolean is its own value, any other non-empty collection is true.
func CompileFilter(expr string) (Predicate, error) {
	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", expr, err)
	}

	return func(res *fx.Resource) (bool, error) {
		result, err := compiled.Evaluate(res.Bytes())
		if err != nil {
			return false, fmt.Errorf("failed to evaluate filter %q on %s: %w", expr, res.Ref(), err)
		}
		return collectionTruthy(result), nil
	}, nil
}

// collectionTruthy converts a FHIRPath result collection to a boolean.
func collectionTruthy(result types.Collection) bool {
	if len(result) == 0 {
		return false
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}
