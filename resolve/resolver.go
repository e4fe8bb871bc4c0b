package resolve

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/compartment"
	"github.com/gofhir/extract/consent"
	"github.com/gofhir/extract/group"
	"github.com/gofhir/extract/store"
)

// Resolver drives reference resolution to its fixed point. One call
// handles one scope: a single patient's bundle plus the shared core
// bundle, or the core bundle alone.
//
// Each step expands the current frontier of valid pairings in parallel,
// batch-fetches every unresolved target reference the whole frontier
// needs in one round, then classifies the candidates and folds the newly
// valid pairings into the next frontier. The frontier only ever admits
// pairings not previously known, so resolution terminates even when the
// reference graph is cyclic.
type Resolver struct {
	ds      store.DataStore
	router  *compartment.Manager
	cat     *group.Catalogue
	checker consent.Checker

	extractor   *Extractor
	handler     *Handler
	invalidator *Invalidator

	opts    *fx.Options
	logger  zerolog.Logger
	metrics *fx.Metrics
}

// NewResolver wires the resolution pipeline.
func NewResolver(ds store.DataStore, router *compartment.Manager, cat *group.Catalogue, opts ...fx.Option) *Resolver {
	o := fx.DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	logger := zerolog.Nop()
	metrics := fx.NewMetrics()
	validator := NewGroupValidator(logger, metrics)

	return &Resolver{
		ds:          ds,
		router:      router,
		cat:         cat,
		checker:     consent.NewPeriodChecker(),
		extractor:   NewExtractor(logger, metrics),
		handler:     NewHandler(validator, cat, logger),
		invalidator: NewInvalidator(cat, logger, metrics),
		opts:        o,
		logger:      logger,
		metrics:     metrics,
	}
}

// SetLogger replaces the resolver's logger, including the loggers of its
// pipeline stages.
func (r *Resolver) SetLogger(logger zerolog.Logger) {
	r.logger = logger
	r.extractor.logger = logger
	r.handler.logger = logger
	r.handler.validator.logger = logger
	r.invalidator.logger = logger
}

// Metrics returns the shared counters of this resolver.
func (r *Resolver) Metrics() *fx.Metrics { return r.metrics }

// ResolvePatient resolves one patient's bundle to its fixed point. The
// shared core bundle is read and extended concurrently by other patients'
// runs; only the patient bundle is exclusively owned. When applyConsent
// is set, patient-scoped resources fetched by reference are admitted only
// within the patient's consent periods; rejected resources are cached as
// unresolved.
func (r *Resolver) ResolvePatient(ctx context.Context, pb *bundle.PatientResourceBundle, core *bundle.ResourceBundle, applyConsent bool) error {
	sc := scope{acting: pb.ResourceBundle, core: core, router: r.router}
	if applyConsent || r.opts.ApplyConsent {
		sc.patient = pb
	}
	return r.resolve(ctx, sc)
}

// ResolveCore resolves the shared core bundle on its own, expanding the
// core pairings seeded by direct matching.
func (r *Resolver) ResolveCore(ctx context.Context, core *bundle.ResourceBundle) error {
	return r.resolve(ctx, scope{acting: core, core: core, router: r.router})
}

func (r *Resolver) resolve(ctx context.Context, sc scope) error {
	frontier := sc.acting.ValidGroupsNotYetExpanded()

	for step := 0; len(frontier) > 0; step++ {
		r.logger.Debug().Int("step", step).Int("frontier", len(frontier)).Msg("resolution step")

		wrappers, invalid, err := r.extractFrontier(ctx, sc, frontier)
		if err != nil {
			return err
		}

		if err := r.fetchUnknown(ctx, sc, wrappers); err != nil {
			return err
		}

		next, moreInvalid, err := r.handleFrontier(ctx, sc, wrappers)
		if err != nil {
			return err
		}
		invalid = append(invalid, moreInvalid...)

		if len(invalid) > 0 {
			r.invalidator.Invalidate(sc, invalid)
		}

		// Pairings invalidated by the cascade never enter the next frontier.
		frontier = frontier[:0]
		for _, rg := range next {
			if sc.bundleFor(rg.Ref).GroupValidity(rg) == fx.Valid {
				frontier = append(frontier, rg)
			}
		}
		r.metrics.RecordStep()
	}

	stats := r.handler.validator.paths.Stats()
	r.logger.Debug().
		Int("expressions", stats.Size).
		Float64("hit_rate", stats.HitRate).
		Msg("resolution finished")
	return nil
}

// extractFrontier runs extraction for every frontier pairing in parallel.
// A must-have violation invalidates that pairing and excludes its
// contribution without aborting the step.
func (r *Resolver) extractFrontier(ctx context.Context, sc scope, frontier []bundle.ResourceGroup) ([]ReferenceWrapper, []bundle.ResourceGroup, error) {
	var (
		mu       sync.Mutex
		wrappers []ReferenceWrapper
		invalid  []bundle.ResourceGroup
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PairingWorkers)

	for _, rg := range frontier {
		rg := rg
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sc.acting.MarkExpanded(rg)

			grp, ok := r.cat.Get(rg.GroupID)
			if !ok {
				r.logger.Error().Str("pairing", rg.String()).
					Msg("frontier pairing names a group missing from the catalogue")
				return nil
			}
			// A pairing is only classified valid on a fetched resource,
			// so an absent entry here breaks that invariant.
			entry, ok := sc.bundleFor(rg.Ref).Get(rg.Ref)
			if !ok || !entry.Present() {
				r.logger.Error().Str("pairing", rg.String()).
					Msg("frontier pairing has no cached resource")
				return nil
			}

			ws, err := r.extractor.Extract(entry.Resource(), grp)
			if err != nil {
				if !fx.IsMustHaveViolated(err) {
					return err
				}
				sc.bundleFor(rg.Ref).SetGroupValidity(rg, false)
				mu.Lock()
				invalid = append(invalid, rg)
				mu.Unlock()
				return nil
			}

			mu.Lock()
			wrappers = append(wrappers, ws...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return wrappers, invalid, nil
}

// fetchUnknown collects every target reference the step needs that no
// cache has seen, fetches the whole set in one deduplicated round, and
// caches the results. References the store cannot produce, and resources
// rejected by the consent check, are cached as unresolved so they are
// never requested again.
func (r *Resolver) fetchUnknown(ctx context.Context, sc scope, wrappers []ReferenceWrapper) error {
	seen := make(map[string]struct{})
	var unknown []string
	for _, w := range wrappers {
		for _, ref := range w.Refs {
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			if !sc.bundleFor(ref).Contains(ref) {
				unknown = append(unknown, ref)
			}
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	// A failing store degrades to unresolved references, never to a
	// failed run. Whatever the store did return is still used, so one
	// bad chunk only costs its own references.
	fetched, err := r.ds.FetchByReferences(ctx, unknown)
	if err != nil {
		r.logger.Warn().Err(err).
			Int("refs", len(unknown)).
			Int("fetched", len(fetched)).
			Msg("batch fetch failed, unfetched references treated as unresolved")
	}

	for _, ref := range unknown {
		target := sc.bundleFor(ref)
		res, ok := fetched[ref]
		if !ok {
			target.PutUnresolved(ref)
			r.metrics.RecordUnresolved()
			continue
		}
		if sc.patient != nil && target == sc.acting && !r.checker.CheckConsent(res, sc.patient.Consent()) {
			r.logger.Debug().Str("ref", ref).Str("patient", sc.patient.PatientID()).
				Msg("resource rejected by consent")
			target.PutUnresolved(ref)
			r.metrics.RecordUnresolved()
			continue
		}
		target.PutIfAbsent(res)
	}
	return nil
}

// handleFrontier runs the handler for each pairing's wrappers in
// parallel. Wrappers are grouped per parent pairing so one worker owns
// one pairing's whole contribution.
func (r *Resolver) handleFrontier(ctx context.Context, sc scope, wrappers []ReferenceWrapper) ([]bundle.ResourceGroup, []bundle.ResourceGroup, error) {
	byParent := make(map[bundle.ResourceGroup][]ReferenceWrapper)
	for _, w := range wrappers {
		byParent[w.Parent()] = append(byParent[w.Parent()], w)
	}

	var (
		mu       sync.Mutex
		newValid []bundle.ResourceGroup
		invalid  []bundle.ResourceGroup
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PairingWorkers)

	for _, ws := range byParent {
		ws := ws
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			valid, inv := r.handler.Handle(sc, ws)
			mu.Lock()
			newValid = append(newValid, valid...)
			invalid = append(invalid, inv...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return newValid, invalid, nil
}
