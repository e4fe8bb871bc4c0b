// Package batch fans reference resolution out across the patients of a
// cohort. Every patient's run shares one core bundle; the core pool's own
// pairings are resolved once the patients are done.
package batch

import (
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/resolve"
)

// Processor resolves a batch of patient bundles with bounded fan-out.
type Processor struct {
	resolver *resolve.Resolver
	workers  int
	consent  bool
	logger   zerolog.Logger
}

// ProcessorOption configures the Processor.
type ProcessorOption func(*Processor)

// WithWorkers bounds the number of patients resolved in parallel.
func WithWorkers(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithConsent applies each patient's consent periods during resolution.
func WithConsent(enable bool) ProcessorOption {
	return func(p *Processor) {
		p.consent = enable
	}
}

// WithLogger sets the processor logger.
func WithLogger(l zerolog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// NewProcessor creates a Processor around a shared resolver.
func NewProcessor(resolver *resolve.Resolver, opts ...ProcessorOption) *Processor {
	p := &Processor{
		resolver: resolver,
		workers:  runtime.NumCPU(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PatientResult reports the outcome of one patient's resolution.
type PatientResult struct {
	PatientID string
	Bundle    *bundle.PatientResourceBundle
	Err       error
}

// Result reports the outcome of one batch.
type Result struct {
	Patients  []PatientResult
	Core      *bundle.ResourceBundle
	Completed int
	Failed    int
}

// Process resolves every patient bundle against the shared core bundle,
// then resolves the core pool itself. Patient order is preserved in the
// result. A failed patient does not stop the others.
func (p *Processor) Process(ctx context.Context, patients []*bundle.PatientResourceBundle, core *bundle.ResourceBundle) *Result {
	out := &Result{
		Patients: make([]PatientResult, len(patients)),
		Core:     core,
	}
	if len(patients) > 0 {
		if len(patients) <= 2 {
			p.processSequential(ctx, patients, core, out)
		} else {
			p.processParallel(ctx, patients, core, out)
		}
	}

	for _, pr := range out.Patients {
		if pr.Err != nil {
			out.Failed++
		} else {
			out.Completed++
		}
	}

	// Core pairings seeded by direct matching still need their own
	// fixed point after every patient contributed to the pool.
	if err := p.resolver.ResolveCore(ctx, core); err != nil {
		p.logger.Error().Err(err).Msg("core pool resolution failed")
	}
	return out
}

func (p *Processor) processSequential(ctx context.Context, patients []*bundle.PatientResourceBundle, core *bundle.ResourceBundle, out *Result) {
	for i, pb := range patients {
		out.Patients[i] = p.resolveOne(ctx, pb, core)
	}
}

func (p *Processor) processParallel(ctx context.Context, patients []*bundle.PatientResourceBundle, core *bundle.ResourceBundle, out *Result) {
	workers := p.workers
	if workers > len(patients) {
		workers = len(patients)
	}

	jobs := make(chan int, len(patients))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				select {
				case <-ctx.Done():
					out.Patients[i] = PatientResult{
						PatientID: patients[i].PatientID(),
						Bundle:    patients[i],
						Err:       ctx.Err(),
					}
					continue
				default:
				}
				out.Patients[i] = p.resolveOne(ctx, patients[i], core)
			}
		}()
	}

	for i := range patients {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

func (p *Processor) resolveOne(ctx context.Context, pb *bundle.PatientResourceBundle, core *bundle.ResourceBundle) PatientResult {
	err := p.resolver.ResolvePatient(ctx, pb, core, p.consent)
	if err != nil {
		p.logger.Warn().Err(err).Str("patient", pb.PatientID()).Msg("patient resolution failed")
	} else {
		p.logger.Debug().Str("patient", pb.PatientID()).Int("resources", len(pb.Resources())).
			Msg("patient resolved")
	}
	return PatientResult{PatientID: pb.PatientID(), Bundle: pb, Err: err}
}
