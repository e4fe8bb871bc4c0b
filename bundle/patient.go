package bundle

import (
	"github.com/gofhir/extract/consent"
)

// PatientResourceBundle is a per-patient working set. It embeds a
// ResourceBundle for the patient-compartment resources and carries the
// patient's consented provision periods.
type PatientResourceBundle struct {
	*ResourceBundle

	patientID string
	consent   consent.NonContinuousPeriod
}

// NewPatientResourceBundle creates an empty bundle for the given patient
// with no consent restrictions.
func NewPatientResourceBundle(patientID string) *PatientResourceBundle {
	return &PatientResourceBundle{
		ResourceBundle: New(),
		patientID:      patientID,
	}
}

// NewConsentedPatientResourceBundle creates an empty bundle whose
// patient-scoped fetches are restricted to the given provision periods.
func NewConsentedPatientResourceBundle(patientID string, periods consent.NonContinuousPeriod) *PatientResourceBundle {
	pb := NewPatientResourceBundle(patientID)
	pb.consent = periods
	return pb
}

// PatientID returns the id of the patient this bundle belongs to.
func (pb *PatientResourceBundle) PatientID() string { return pb.patientID }

// Consent returns the patient's consented provision periods. An empty
// result means consent was not applied.
func (pb *PatientResourceBundle) Consent() consent.NonContinuousPeriod { return pb.consent }
