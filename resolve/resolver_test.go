package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/compartment"
	"github.com/gofhir/extract/group"
)

// fakeStore serves resources from a fixed map. References absent from
// the map stay absent from the result, like a server that does not know
// them.
type fakeStore struct {
	mu        sync.Mutex
	resources map[string]*fx.Resource
	calls     int
}

func newFakeStore(t *testing.T, raws ...string) *fakeStore {
	t.Helper()
	s := &fakeStore{resources: make(map[string]*fx.Resource)}
	for _, raw := range raws {
		res, err := fx.NewResource([]byte(raw))
		if err != nil {
			t.Fatalf("NewResource: %v", err)
		}
		s.resources[res.Ref()] = res
	}
	return s
}

func (s *fakeStore) FetchByReferences(_ context.Context, refs []string) (map[string]*fx.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make(map[string]*fx.Resource)
	for _, ref := range refs {
		if res, ok := s.resources[ref]; ok {
			out[ref] = res
		}
	}
	return out, nil
}

// statusFilter returns a predicate accepting resources whose status field
// equals want, counting invocations.
func statusFilter(want string, calls *atomic.Int32) group.Predicate {
	return func(res *fx.Resource) (bool, error) {
		calls.Add(1)
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(res.Bytes(), &body); err != nil {
			return false, err
		}
		return body.Status == want, nil
	}
}

func seed(t *testing.T, b *bundle.ResourceBundle, groupID, raw string) bundle.ResourceGroup {
	t.Helper()
	res, err := fx.NewResource([]byte(raw))
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	b.Put(res)
	rg := bundle.ResourceGroup{Ref: res.Ref(), GroupID: groupID}
	b.SetGroupValidity(rg, true)
	return rg
}

func reportCatalogue(t *testing.T, filter group.Predicate, mustHave bool) *group.Catalogue {
	t.Helper()
	cat, err := group.NewCatalogue(
		&group.Group{
			ID:           "diagnostics",
			ResourceType: "DiagnosticReport",
			Attributes: []group.Attribute{{
				Ref:            "DiagnosticReport.result",
				Path:           "DiagnosticReport.result",
				MustHave:       mustHave,
				LinkedGroupIDs: []string{"labs"},
			}},
		},
		&group.Group{
			ID:            "labs",
			ResourceType:  "Observation",
			ReferenceOnly: true,
			Filter:        filter,
		},
	)
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	return cat
}

func TestMustHaveTargetFailsFilter(t *testing.T) {
	// The only candidate for a mandatory reference fails the child
	// group's filter, so the parent pairing must end invalid too.
	var filterCalls atomic.Int32
	cat := reportCatalogue(t, statusFilter("final", &filterCalls), true)
	ds := newFakeStore(t, `{"resourceType":"Observation","id":"5","status":"preliminary"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	parent := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}

	if got := pb.GroupValidity(parent); got != fx.Invalid {
		t.Errorf("parent validity = %v, want Invalid", got)
	}
	child := bundle.ResourceGroup{Ref: "Observation/5", GroupID: "labs"}
	if got := pb.GroupValidity(child); got != fx.Invalid {
		t.Errorf("child validity = %v, want Invalid", got)
	}
}

func TestMustHaveTargetPassesFilter(t *testing.T) {
	var filterCalls atomic.Int32
	cat := reportCatalogue(t, statusFilter("final", &filterCalls), true)
	ds := newFakeStore(t, `{"resourceType":"Observation","id":"5","status":"final"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	parent := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}

	if got := pb.GroupValidity(parent); got != fx.Valid {
		t.Errorf("parent validity = %v, want Valid", got)
	}
	child := bundle.ResourceGroup{Ref: "Observation/5", GroupID: "labs"}
	if got := pb.GroupValidity(child); got != fx.Valid {
		t.Errorf("child validity = %v, want Valid", got)
	}
	entry, ok := pb.Get("Observation/5")
	if !ok || !entry.Present() {
		t.Error("fetched child resource not present in the cache")
	}
}

func TestFilterEvaluatedOncePerPairing(t *testing.T) {
	// Two parents referencing the same target must share one memoized
	// validity decision.
	var filterCalls atomic.Int32
	cat := reportCatalogue(t, statusFilter("final", &filterCalls), false)
	ds := newFakeStore(t, `{"resourceType":"Observation","id":"5","status":"final"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"}]}`)
	seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"2","result":[{"reference":"Observation/5"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}
	if got := filterCalls.Load(); got != 1 {
		t.Errorf("filter ran %d times, want 1", got)
	}
}

func TestUnfetchableReference(t *testing.T) {
	// The store does not know the target. A mandatory attribute must
	// fail; a non-mandatory one proceeds with zero targets.
	for _, mustHave := range []bool{true, false} {
		cat := reportCatalogue(t, nil, mustHave)
		ds := newFakeStore(t)

		r := NewResolver(ds, compartment.Default(), cat)
		pb := bundle.NewPatientResourceBundle("1")
		core := bundle.New()
		parent := seed(t, pb.ResourceBundle, "diagnostics",
			`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"}]}`)

		if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
			t.Fatalf("mustHave=%v: ResolvePatient: %v", mustHave, err)
		}

		entry, ok := pb.Get("Observation/5")
		if !ok || entry.Present() {
			t.Errorf("mustHave=%v: target should be cached as unresolved", mustHave)
		}
		want := fx.Valid
		if mustHave {
			want = fx.Invalid
		}
		if got := pb.GroupValidity(parent); got != want {
			t.Errorf("mustHave=%v: parent validity = %v, want %v", mustHave, got, want)
		}
	}
}

func TestTerminationOnCyclicReferences(t *testing.T) {
	// Observation/1 and Observation/2 reference each other. Resolution
	// must still reach an empty frontier.
	cat, err := group.NewCatalogue(&group.Group{
		ID:           "obs",
		ResourceType: "Observation",
		Attributes: []group.Attribute{{
			Ref:            "Observation.hasMember",
			Path:           "Observation.hasMember",
			LinkedGroupIDs: []string{"obs"},
		}},
	})
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	ds := newFakeStore(t,
		`{"resourceType":"Observation","id":"2","hasMember":[{"reference":"Observation/1"}]}`,
	)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	seed(t, pb.ResourceBundle, "obs",
		`{"resourceType":"Observation","id":"1","hasMember":[{"reference":"Observation/2"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}

	for _, ref := range []string{"Observation/1", "Observation/2"} {
		rg := bundle.ResourceGroup{Ref: ref, GroupID: "obs"}
		if got := pb.GroupValidity(rg); got != fx.Valid {
			t.Errorf("%s validity = %v, want Valid", rg, got)
		}
	}
}

func TestReferenceCountedInvalidation(t *testing.T) {
	// Encounter/9 is reference-only and reachable from two parents.
	// Losing one parent keeps it valid; losing both retracts it.
	cat, err := group.NewCatalogue(
		&group.Group{
			ID:           "diagnostics",
			ResourceType: "DiagnosticReport",
			Attributes: []group.Attribute{{
				Ref:            "DiagnosticReport.encounter",
				Path:           "DiagnosticReport.encounter",
				LinkedGroupIDs: []string{"visits"},
			}},
		},
		&group.Group{
			ID:            "visits",
			ResourceType:  "Encounter",
			ReferenceOnly: true,
		},
	)
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	ds := newFakeStore(t, `{"resourceType":"Encounter","id":"9"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	p1 := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","encounter":{"reference":"Encounter/9"}}`)
	p2 := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"2","encounter":{"reference":"Encounter/9"}}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}
	child := bundle.ResourceGroup{Ref: "Encounter/9", GroupID: "visits"}
	if got := pb.GroupValidity(child); got != fx.Valid {
		t.Fatalf("child validity after resolution = %v, want Valid", got)
	}

	sc := scope{acting: pb.ResourceBundle, core: core, router: compartment.Default()}

	pb.SetGroupValidity(p1, false)
	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{p1})
	if got := pb.GroupValidity(child); got != fx.Valid {
		t.Fatalf("child validity with one surviving parent = %v, want Valid", got)
	}

	pb.SetGroupValidity(p2, false)
	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{p2})
	if got := pb.GroupValidity(child); got != fx.Invalid {
		t.Fatalf("child validity with no surviving parent = %v, want Invalid", got)
	}

	// Re-seeding an already-drained pairing is a no-op.
	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{p1})
	if got := pb.GroupValidity(child); got != fx.Invalid {
		t.Fatalf("child validity after repeat invalidation = %v, want Invalid", got)
	}
}

func TestBatchFetchDeduplicatesAcrossFrontier(t *testing.T) {
	// Two frontier pairings need the same unknown target; the step must
	// request it once, in one fetch round.
	cat := reportCatalogue(t, nil, false)
	ds := newFakeStore(t, `{"resourceType":"Observation","id":"5","status":"final"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"}]}`)
	seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"2","result":[{"reference":"Observation/5"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}
	ds.mu.Lock()
	calls := ds.calls
	ds.mu.Unlock()
	if calls != 1 {
		t.Errorf("store saw %d fetch rounds, want 1", calls)
	}
}

func TestCoreResourcesRouteToSharedBundle(t *testing.T) {
	// Medication is outside the patient compartment, so the resolved
	// resource and its pairing belong to the shared core bundle.
	cat, err := group.NewCatalogue(
		&group.Group{
			ID:           "prescriptions",
			ResourceType: "MedicationRequest",
			Attributes: []group.Attribute{{
				Ref:            "MedicationRequest.medicationReference",
				Path:           "MedicationRequest.medicationReference",
				LinkedGroupIDs: []string{"drugs"},
			}},
		},
		&group.Group{
			ID:            "drugs",
			ResourceType:  "Medication",
			ReferenceOnly: true,
		},
	)
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	ds := newFakeStore(t, `{"resourceType":"Medication","id":"7"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	seed(t, pb.ResourceBundle, "prescriptions",
		`{"resourceType":"MedicationRequest","id":"1","medicationReference":{"reference":"Medication/7"}}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}

	if _, ok := pb.Get("Medication/7"); ok {
		t.Error("core resource cached in the patient bundle")
	}
	entry, ok := core.Get("Medication/7")
	if !ok || !entry.Present() {
		t.Fatal("core resource missing from the shared bundle")
	}
	rg := bundle.ResourceGroup{Ref: "Medication/7", GroupID: "drugs"}
	if got := core.GroupValidity(rg); got != fx.Valid {
		t.Errorf("core pairing validity = %v, want Valid", got)
	}
}

func TestEmptyMustHaveFieldInvalidatesParent(t *testing.T) {
	// The mandatory reference field is absent on the parent itself.
	cat := reportCatalogue(t, nil, true)
	ds := newFakeStore(t)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	parent := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1"}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}
	if got := pb.GroupValidity(parent); got != fx.Invalid {
		t.Errorf("parent validity = %v, want Invalid", got)
	}
}

// partialStore serves what it has but reports an error, like a client
// whose round lost one chunk.
type partialStore struct {
	inner *fakeStore
}

func (s *partialStore) FetchByReferences(ctx context.Context, refs []string) (map[string]*fx.Resource, error) {
	out, _ := s.inner.FetchByReferences(ctx, refs)
	return out, errors.New("Encounter chunk failed")
}

func TestPartialFetchFailureOnlyCostsItsOwnReferences(t *testing.T) {
	// The store serves the mandatory Observation target but fails the
	// Encounter chunk. Only the Encounter reference may end unresolved;
	// the parent pairing must survive on the served target.
	cat, err := group.NewCatalogue(
		&group.Group{
			ID:           "diagnostics",
			ResourceType: "DiagnosticReport",
			Attributes: []group.Attribute{
				{
					Ref:            "DiagnosticReport.result",
					Path:           "DiagnosticReport.result",
					MustHave:       true,
					LinkedGroupIDs: []string{"labs"},
				},
				{
					Ref:            "DiagnosticReport.encounter",
					Path:           "DiagnosticReport.encounter",
					LinkedGroupIDs: []string{"visits"},
				},
			},
		},
		&group.Group{ID: "labs", ResourceType: "Observation", ReferenceOnly: true},
		&group.Group{ID: "visits", ResourceType: "Encounter", ReferenceOnly: true},
	)
	if err != nil {
		t.Fatalf("NewCatalogue: %v", err)
	}
	ds := &partialStore{inner: newFakeStore(t, `{"resourceType":"Observation","id":"5","status":"final"}`)}

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	parent := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1",`+
			`"result":[{"reference":"Observation/5"}],`+
			`"encounter":{"reference":"Encounter/9"}}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}

	entry, ok := pb.Get("Observation/5")
	if !ok || !entry.Present() {
		t.Fatal("served resource missing from the cache")
	}
	if got := pb.GroupValidity(parent); got != fx.Valid {
		t.Errorf("parent validity = %v, want Valid (mandatory target was served)", got)
	}
	entry, ok = pb.Get("Encounter/9")
	if !ok || entry.Present() {
		t.Error("failed chunk's reference should be cached as unresolved")
	}
}

func TestFrontierPairingWithoutResourceIsReported(t *testing.T) {
	// A pairing marked valid without its resource ever being cached
	// breaks the decided-on-a-fetched-resource invariant. The step must
	// report it and move on instead of silently dropping it.
	cat := reportCatalogue(t, nil, false)
	ds := newFakeStore(t)

	r := NewResolver(ds, compartment.Default(), cat)
	var buf bytes.Buffer
	r.SetLogger(zerolog.New(&buf))

	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	rg := bundle.ResourceGroup{Ref: "DiagnosticReport/1", GroupID: "diagnostics"}
	pb.SetGroupValidity(rg, true)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}
	if !strings.Contains(buf.String(), "no cached resource") {
		t.Errorf("missing resource not reported, log:\n%s", buf.String())
	}
}
