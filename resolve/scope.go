package resolve

import (
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/compartment"
)

// scope is one resolution run's view of the caches: the acting bundle
// that owns the frontier and the edge bookkeeping, and the shared core
// bundle for resources outside the patient compartment. For the core
// run both point at the same bundle.
type scope struct {
	acting *bundle.ResourceBundle
	core   *bundle.ResourceBundle
	router *compartment.Manager

	// patient is set for patient runs only; it carries the consent
	// periods applied to patient-scoped fetches.
	patient *bundle.PatientResourceBundle
}

// bundleFor routes a reference to the cache it belongs in. Patient-scoped
// resources live in the acting bundle, everything else in the shared core
// bundle.
func (s scope) bundleFor(ref string) *bundle.ResourceBundle {
	if s.acting == s.core {
		return s.core
	}
	if s.router.IsPatientScopedRef(ref) {
		return s.acting
	}
	return s.core
}
