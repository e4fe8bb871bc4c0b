// Package compartment decides whether a resource type belongs to the
// FHIR patient compartment. Patient-scoped resources are cached per
// patient and are subject to consent; everything else is shared core
// data (Medication, Location, Organization and friends).
package compartment

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	fx "github.com/gofhir/extract"
)

// Manager routes references between the patient-scoped and the shared
// core cache. It is immutable after construction and safe for concurrent
// use.
type Manager struct {
	patientTypes map[string]struct{}
}

// compartmentDefinition is the subset of a FHIR CompartmentDefinition
// needed to build a Manager.
type compartmentDefinition struct {
	ResourceType string `json:"resourceType"`
	Code         string `json:"code"`
	Resource     []struct {
		Code  string   `json:"code"`
		Param []string `json:"param"`
	} `json:"resource"`
}

// New builds a Manager from an explicit set of patient-compartment
// resource types.
func New(types ...string) *Manager {
	m := &Manager{patientTypes: make(map[string]struct{}, len(types))}
	for _, t := range types {
		m.patientTypes[t] = struct{}{}
	}
	return m
}

// FromReader builds a Manager from a CompartmentDefinition document.
// Only resources that name at least one search param participate in the
// compartment; param-less entries are listed in the definition but never
// link to a patient.
func FromReader(r io.Reader) (*Manager, error) {
	var def compartmentDefinition
	if err := json.NewDecoder(r).Decode(&def); err != nil {
		return nil, fmt.Errorf("decode compartment definition: %w", err)
	}
	if def.ResourceType != "CompartmentDefinition" {
		return nil, fmt.Errorf("expected CompartmentDefinition, got %q", def.ResourceType)
	}
	if def.Code != "Patient" {
		return nil, fmt.Errorf("expected Patient compartment, got %q", def.Code)
	}

	m := &Manager{patientTypes: make(map[string]struct{})}
	for _, res := range def.Resource {
		if len(res.Param) == 0 {
			continue
		}
		m.patientTypes[res.Code] = struct{}{}
	}
	m.patientTypes["Patient"] = struct{}{}
	return m, nil
}

// FromFile builds a Manager from a CompartmentDefinition JSON file.
func FromFile(path string) (*Manager, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open compartment definition: %w", err)
	}
	defer f.Close()
	return FromReader(f)
}

// Default returns a Manager preloaded with the R4 patient-compartment
// membership.
func Default() *Manager {
	return New(defaultPatientTypes...)
}

// IsPatientScoped reports whether the resource type belongs to the
// patient compartment.
func (m *Manager) IsPatientScoped(resourceType string) bool {
	_, ok := m.patientTypes[resourceType]
	return ok
}

// IsPatientScopedRef reports whether the reference's target type belongs
// to the patient compartment.
func (m *Manager) IsPatientScopedRef(ref string) bool {
	return m.IsPatientScoped(fx.RefType(ref))
}

// Types returns the patient-compartment resource types, sorted.
func (m *Manager) Types() []string {
	out := make([]string, 0, len(m.patientTypes))
	for t := range m.patientTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// defaultPatientTypes is the R4 patient compartment, restricted to
// resources with at least one linking search param.
var defaultPatientTypes = []string{
	"Account",
	"AdverseEvent",
	"AllergyIntolerance",
	"Appointment",
	"AppointmentResponse",
	"AuditEvent",
	"Basic",
	"BodyStructure",
	"CarePlan",
	"CareTeam",
	"ChargeItem",
	"Claim",
	"ClaimResponse",
	"ClinicalImpression",
	"Communication",
	"CommunicationRequest",
	"Composition",
	"Condition",
	"Consent",
	"Coverage",
	"CoverageEligibilityRequest",
	"CoverageEligibilityResponse",
	"DetectedIssue",
	"DeviceRequest",
	"DeviceUseStatement",
	"DiagnosticReport",
	"DocumentManifest",
	"DocumentReference",
	"Encounter",
	"EnrollmentRequest",
	"EpisodeOfCare",
	"ExplanationOfBenefit",
	"FamilyMemberHistory",
	"Flag",
	"Goal",
	"Group",
	"ImagingStudy",
	"Immunization",
	"ImmunizationEvaluation",
	"ImmunizationRecommendation",
	"Invoice",
	"List",
	"MeasureReport",
	"Media",
	"MedicationAdministration",
	"MedicationDispense",
	"MedicationRequest",
	"MedicationStatement",
	"MolecularSequence",
	"NutritionOrder",
	"Observation",
	"Patient",
	"Person",
	"Procedure",
	"Provenance",
	"QuestionnaireResponse",
	"RelatedPerson",
	"RequestGroup",
	"ResearchSubject",
	"RiskAssessment",
	"Schedule",
	"ServiceRequest",
	"Specimen",
	"SupplyDelivery",
	"SupplyRequest",
	"VisionPrescription",
}
