package resolve

import (
	"context"
	"testing"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/bundle"
	"github.com/gofhir/extract/compartment"
)

func TestInvalidatingMandatoryTargetEscalatesToParent(t *testing.T) {
	// The parent's only attribute is mandatory and its only valid target
	// is the child pairing. Retracting the child afterwards must drag the
	// parent down.
	cat := reportCatalogue(t, nil, true)
	ds := newFakeStore(t, `{"resourceType":"Observation","id":"5","status":"final"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	parent := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}
	child := bundle.ResourceGroup{Ref: "Observation/5", GroupID: "labs"}
	if got := pb.GroupValidity(parent); got != fx.Valid {
		t.Fatalf("parent validity after resolution = %v, want Valid", got)
	}

	sc := scope{acting: pb.ResourceBundle, core: core, router: compartment.Default()}
	pb.SetGroupValidity(child, false)
	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{child})

	if got := pb.GroupValidity(parent); got != fx.Invalid {
		t.Errorf("parent validity after child retraction = %v, want Invalid", got)
	}
}

func TestEscalationSparesParentWithAnotherValidTarget(t *testing.T) {
	// The mandatory attribute has two valid targets; losing one leaves
	// the parent standing.
	cat := reportCatalogue(t, nil, true)
	ds := newFakeStore(t,
		`{"resourceType":"Observation","id":"5","status":"final"}`,
		`{"resourceType":"Observation","id":"6","status":"final"}`,
	)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	parent := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"},{"reference":"Observation/6"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}

	sc := scope{acting: pb.ResourceBundle, core: core, router: compartment.Default()}
	first := bundle.ResourceGroup{Ref: "Observation/5", GroupID: "labs"}
	pb.SetGroupValidity(first, false)
	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{first})

	if got := pb.GroupValidity(parent); got != fx.Valid {
		t.Errorf("parent validity = %v, want Valid (second target still valid)", got)
	}

	second := bundle.ResourceGroup{Ref: "Observation/6", GroupID: "labs"}
	pb.SetGroupValidity(second, false)
	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{second})

	if got := pb.GroupValidity(parent); got != fx.Invalid {
		t.Errorf("parent validity after losing both targets = %v, want Invalid", got)
	}
}

func TestInvalidationIsIdempotent(t *testing.T) {
	cat := reportCatalogue(t, nil, false)
	ds := newFakeStore(t, `{"resourceType":"Observation","id":"5","status":"final"}`)

	r := NewResolver(ds, compartment.Default(), cat)
	pb := bundle.NewPatientResourceBundle("1")
	core := bundle.New()
	parent := seed(t, pb.ResourceBundle, "diagnostics",
		`{"resourceType":"DiagnosticReport","id":"1","result":[{"reference":"Observation/5"}]}`)

	if err := r.ResolvePatient(context.Background(), pb, core, false); err != nil {
		t.Fatalf("ResolvePatient: %v", err)
	}

	sc := scope{acting: pb.ResourceBundle, core: core, router: compartment.Default()}
	pb.SetGroupValidity(parent, false)
	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{parent})
	child := bundle.ResourceGroup{Ref: "Observation/5", GroupID: "labs"}
	want := pb.GroupValidity(child)

	r.invalidator.Invalidate(sc, []bundle.ResourceGroup{parent})
	if got := pb.GroupValidity(child); got != want {
		t.Errorf("repeat invalidation changed child validity from %v to %v", want, got)
	}
}
