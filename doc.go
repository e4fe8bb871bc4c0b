// Package fhirextract provides cohort-scoped FHIR resource extraction with
// reference resolution and validity propagation.
//
// Starting from a set of directly-matched resources, the engine follows
// reference-bearing attributes declared by attribute groups, fetches the
// referenced resources in batches, decides for every (resource, group)
// pairing whether it satisfies the group's profile, must-have and filter
// rules, and retracts validity from pairings that only existed because of a
// pairing that later turned out to be invalid.
//
// # Quick Start
//
//	cat, err := loader.LoadCatalogue("extraction.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ds := store.NewClient(store.WithBaseURL("https://fhir.example.com/fhir"))
//	router := compartment.Default()
//	res := resolve.NewResolver(ds, router, cat,
//	    fhirextract.WithPairingWorkers(8),
//	)
//
//	pb := bundle.NewPatientResourceBundle("123")
//	// seed pb with direct matches, then:
//	err = res.ResolvePatient(ctx, pb, coreBundle, false)
//
// # Architecture
//
// The engine is organized the way discovery proceeds:
//
//   - bundle: the shared concurrent store of fetched resources, pairing
//     validity and the parent/attribute/child edge bookkeeping
//   - resolve: extraction (FHIRPath), candidate validation, reference
//     handling, the fixed-point resolver and cascading invalidation
//   - store: the batched FHIR fetch client with chunking and retry
//   - compartment: patient-compartment routing
//   - group, loader: the attribute-group catalogue and its loading
//   - consent: consent-period checking applied before caching
//   - batch: per-patient fan-out across a bounded worker set
//
// Resolution runs to a quiescent fixed point: a must-have violation
// invalidates exactly one pairing (and everything that depended solely on
// it) without aborting sibling work, and fetch failures degrade to
// unresolved references rather than failing the run.
package fhirextract
