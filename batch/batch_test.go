package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/compartment"
	"github.com/gofhir/extract/group"
	"github.com/gofhir/extract/resolve"
)

type mapStore struct {
	mu        sync.Mutex
	resources map[string]*fx.Resource
}

func (s *mapStore) FetchByReferences(_ context.Context, refs []string) (map[string]*fx.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*fx.Resource)
	for _, ref := range refs {
		if res, ok := s.resources[ref]; ok {
			out[ref] = res
		}
	}
	return out, nil
}

func testCatalogue(t *testing.T) *group.Catalogue {
	t.Helper()
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
	return cat
}

func TestProcessBatch(t *testing.T) {
	ds := &mapStore{resources: make(map[string]*fx.Resource)}
	med, err := fx.NewResource([]byte(`{"resourceType":"Medication","id":"7"}`))
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	ds.resources[med.Ref()] = med

	resolver := resolve.NewResolver(ds, compartment.Default(), testCatalogue(t))
	core := bundle.New()

	var patients []*bundle.PatientResourceBundle
	for i := 0; i < 5; i++ {
		pb := bundle.NewPatientResourceBundle(fmt.Sprintf("%d", i))
		raw := fmt.Sprintf(`{"resourceType":"MedicationRequest","id":"%d","medicationReference":{"reference":"Medication/7"}}`, i)
		res, err := fx.NewResource([]byte(raw))
		if err != nil {
			t.Fatalf("NewResource: %v", err)
		}
		pb.Put(res)
		pb.SetGroupValidity(bundle.ResourceGroup{Ref: res.Ref(), GroupID: "prescriptions"}, true)
		patients = append(patients, pb)
	}

	p := NewProcessor(resolver, WithWorkers(3))
	result := p.Process(context.Background(), patients, core)

	if result.Completed != 5 || result.Failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 5/0", result.Completed, result.Failed)
	}
	for i, pr := range result.Patients {
		if pr.PatientID != fmt.Sprintf("%d", i) {
			t.Errorf("result %d carries patient %q, order not preserved", i, pr.PatientID)
		}
		if pr.Err != nil {
			t.Errorf("patient %s failed: %v", pr.PatientID, pr.Err)
		}
		rg := bundle.ResourceGroup{Ref: fmt.Sprintf("MedicationRequest/%d", i), GroupID: "prescriptions"}
		if got := pr.Bundle.GroupValidity(rg); got != fx.Valid {
			t.Errorf("patient %s pairing validity = %v, want Valid", pr.PatientID, got)
		}
	}

	// The shared medication lives once in the core pool, valid for all.
	entry, ok := core.Get("Medication/7")
	if !ok || !entry.Present() {
		t.Fatal("shared medication missing from core bundle")
	}
	drug := bundle.ResourceGroup{Ref: "Medication/7", GroupID: "drugs"}
	if got := core.GroupValidity(drug); got != fx.Valid {
		t.Errorf("core pairing validity = %v, want Valid", got)
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	ds := &mapStore{resources: make(map[string]*fx.Resource)}
	resolver := resolve.NewResolver(ds, compartment.Default(), testCatalogue(t))

	p := NewProcessor(resolver)
	result := p.Process(context.Background(), nil, bundle.New())
	if result.Completed != 0 || result.Failed != 0 || len(result.Patients) != 0 {
		t.Fatalf("unexpected result for empty batch: %+v", result)
	}
}
