package resolve

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/group"
)

func mustResource(t *testing.T, raw string) *fx.Resource {
	t.Helper()
	res, err := fx.NewResource([]byte(raw))
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	return res
}

func TestExtractRefs(t *testing.T) {
	res := mustResource(t, `{
		"resourceType": "DiagnosticReport",
		"id": "1",
		"encounter": {"reference": "Encounter/9"},
		"result": [
			{"reference": "Observation/5"},
			{"reference": "https://fhir.example.com/fhir/Observation/6"},
			{"reference": "#contained"},
			{"display": "no reference"}
		]
	}`)

	tests := []struct {
		path string
		want []string
	}{
		{"DiagnosticReport.result", []string{"Observation/5", "Observation/6"}},
		{"DiagnosticReport.encounter", []string{"Encounter/9"}},
		{"DiagnosticReport.subject", nil},
	}
	for _, tt := range tests {
		got, err := ExtractRefs(res, tt.path)
		if err != nil {
			t.Fatalf("ExtractRefs(%q): %v", tt.path, err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("ExtractRefs(%q) = %v, want %v", tt.path, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ExtractRefs(%q)[%d] = %q, want %q", tt.path, i, got[i], tt.want[i])
			}
		}
	}
}

func TestExtractRefsNestedPath(t *testing.T) {
	res := mustResource(t, `{
		"resourceType": "Encounter",
		"id": "1",
		"participant": [
			{"individual": {"reference": "Practitioner/2"}},
			{"individual": {"reference": "Practitioner/3"}}
		]
	}`)
	got, err := ExtractRefs(res, "Encounter.participant.individual")
	if err != nil {
		t.Fatalf("ExtractRefs: %v", err)
	}
	if len(got) != 2 || got[0] != "Practitioner/2" || got[1] != "Practitioner/3" {
		t.Errorf("ExtractRefs = %v", got)
	}
}

func TestExtractMustHaveAborts(t *testing.T) {
	e := NewExtractor(zerolog.Nop(), nil)
	g := &group.Group{
		ID:           "diagnostics",
		ResourceType: "DiagnosticReport",
		Attributes: []group.Attribute{
			{Ref: "DiagnosticReport.encounter", Path: "DiagnosticReport.encounter", LinkedGroupIDs: []string{"visits"}},
			{Ref: "DiagnosticReport.result", Path: "DiagnosticReport.result", MustHave: true, LinkedGroupIDs: []string{"labs"}},
		},
	}
	res := mustResource(t, `{"resourceType":"DiagnosticReport","id":"1","encounter":{"reference":"Encounter/9"}}`)

	wrappers, err := e.Extract(res, g)
	if !fx.IsMustHaveViolated(err) {
		t.Fatalf("err = %v, want MustHaveViolatedError", err)
	}
	if wrappers != nil {
		t.Fatal("partial wrapper list returned on must-have violation")
	}

	var mh *fx.MustHaveViolatedError
	if !errors.As(err, &mh) {
		t.Fatal("error does not unwrap to MustHaveViolatedError")
	}
	if mh.Attribute != "DiagnosticReport.result" || mh.Parent != "DiagnosticReport/1" || mh.GroupID != "diagnostics" {
		t.Errorf("violation detail = %+v", mh)
	}
}

func TestExtractEmptyOptionalAttribute(t *testing.T) {
	e := NewExtractor(zerolog.Nop(), nil)
	g := &group.Group{
		ID:           "diagnostics",
		ResourceType: "DiagnosticReport",
		Attributes: []group.Attribute{
			{Ref: "DiagnosticReport.result", Path: "DiagnosticReport.result", LinkedGroupIDs: []string{"labs"}},
		},
	}
	res := mustResource(t, `{"resourceType":"DiagnosticReport","id":"1"}`)

	wrappers, err := e.Extract(res, g)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// Empty plus not-must-have is a legal no-edges result.
	if len(wrappers) != 1 || len(wrappers[0].Refs) != 0 {
		t.Fatalf("wrappers = %+v, want one empty wrapper", wrappers)
	}
}

func TestExtractSkipsPlainAttributes(t *testing.T) {
	e := NewExtractor(zerolog.Nop(), nil)
	g := &group.Group{
		ID:           "labs",
		ResourceType: "Observation",
		Attributes: []group.Attribute{
			{Ref: "Observation.status", Path: "Observation.status", MustHave: true},
			{Ref: "Observation.hasMember", Path: "Observation.hasMember", LinkedGroupIDs: []string{"labs"}},
		},
	}
	res := mustResource(t, `{"resourceType":"Observation","id":"1","status":"final","hasMember":[{"reference":"Observation/2"}]}`)

	wrappers, err := e.Extract(res, g)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(wrappers) != 1 || wrappers[0].Attribute.Ref != "Observation.hasMember" {
		t.Fatalf("wrappers = %+v, want only the reference attribute", wrappers)
	}
}
