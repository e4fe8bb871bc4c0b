package fhirextract

import "runtime"

// Option configures the resolution engine. Fetch chunking and retry
// budgets belong to the store client; patient fan-out belongs to the
// batch processor.
type Option func(*Options)

// Options holds the resolution engine's configuration.
type Options struct {
	// PairingWorkers bounds the fan-out across frontier pairings within a
	// single resolution step.
	PairingWorkers int

	// ApplyConsent enables the consent check on patient-scoped resources
	// resolved by reference.
	ApplyConsent bool
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		PairingWorkers: runtime.NumCPU(),
		ApplyConsent:   false,
	}
}

// WithPairingWorkers bounds parallelism across pairings within a step.
func WithPairingWorkers(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.PairingWorkers = n
		}
	}
}

// WithConsent enables consent checking for patient-scoped resources.
func WithConsent(enable bool) Option {
	return func(o *Options) {
		o.ApplyConsent = enable
	}
}
