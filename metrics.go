package fhirextract

import "sync/atomic"

// Metrics tracks resolution counters using lock-free atomic operations.
// All methods are safe for concurrent use.
type Metrics struct {
	groupsValidated   atomic.Uint64
	groupsValid       atomic.Uint64
	groupsInvalidated atomic.Uint64
	cascadeRetracted  atomic.Uint64

	referencesExtracted atomic.Uint64
	fetchRequests       atomic.Uint64
	fetchedResources    atomic.Uint64
	fetchFailures       atomic.Uint64
	unresolvedRefs      atomic.Uint64

	resolutionSteps atomic.Uint64
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordValidation records a group-validity decision.
func (m *Metrics) RecordValidation(valid bool) {
	m.groupsValidated.Add(1)
	if valid {
		m.groupsValid.Add(1)
	}
}

// RecordInvalidation records a valid-to-invalid downgrade.
func (m *Metrics) RecordInvalidation() {
	m.groupsInvalidated.Add(1)
}

// RecordCascade records a group retracted by cascading invalidation.
func (m *Metrics) RecordCascade() {
	m.cascadeRetracted.Add(1)
}

// RecordExtracted records n reference strings pulled out of a resource.
func (m *Metrics) RecordExtracted(n int) {
	m.referencesExtracted.Add(uint64(n)) //nolint:gosec // counts are non-negative
}

// RecordFetch records one batched fetch round trip returning n resources.
func (m *Metrics) RecordFetch(n int) {
	m.fetchRequests.Add(1)
	m.fetchedResources.Add(uint64(n)) //nolint:gosec // counts are non-negative
}

// RecordFetchFailure records a transiently-failed fetch attempt.
func (m *Metrics) RecordFetchFailure() {
	m.fetchFailures.Add(1)
}

// RecordUnresolved records a reference cached as present-but-empty.
func (m *Metrics) RecordUnresolved() {
	m.unresolvedRefs.Add(1)
}

// RecordStep records one completed frontier step.
func (m *Metrics) RecordStep() {
	m.resolutionSteps.Add(1)
}

// Snapshot holds a point-in-time copy of all counters.
type Snapshot struct {
	GroupsValidated     uint64
	GroupsValid         uint64
	GroupsInvalidated   uint64
	CascadeRetracted    uint64
	ReferencesExtracted uint64
	FetchRequests       uint64
	FetchedResources    uint64
	FetchFailures       uint64
	UnresolvedRefs      uint64
	ResolutionSteps     uint64
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GroupsValidated:     m.groupsValidated.Load(),
		GroupsValid:         m.groupsValid.Load(),
		GroupsInvalidated:   m.groupsInvalidated.Load(),
		CascadeRetracted:    m.cascadeRetracted.Load(),
		ReferencesExtracted: m.referencesExtracted.Load(),
		FetchRequests:       m.fetchRequests.Load(),
		FetchedResources:    m.fetchedResources.Load(),
		FetchFailures:       m.fetchFailures.Load(),
		UnresolvedRefs:      m.unresolvedRefs.Load(),
		ResolutionSteps:     m.resolutionSteps.Load(),
	}
}
