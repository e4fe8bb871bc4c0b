package bundle

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	fx "github.com/gofhir/extract"
)

// fhirBundle is the wire shape of a FHIR transaction bundle.
type fhirBundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Entry        []bundleEntry `json:"entry"`
}

type bundleEntry struct {
	FullURL  string          `json:"fullUrl"`
	Resource json.RawMessage `json:"resource"`
	Request  bundleRequest   `json:"request"`
}

type bundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type provenanceTarget struct {
	Reference string `json:"reference"`
}

type provenance struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id"`
	Target       []provenanceTarget `json:"target"`
	Recorded     string             `json:"recorded"`
	Policy       []string           `json:"policy,omitempty"`
	Activity     codeableConcept    `json:"activity"`
	Agent        []provenanceAgent  `json:"agent"`
}

type codeableConcept struct {
	Coding []coding `json:"coding"`
}

type coding struct {
	System string `json:"system"`
	Code   string `json:"code"`
}

type provenanceAgent struct {
	Who provenanceTarget `json:"who"`
}

const extractionActivitySystem = "http://terminology.hl7.org/CodeSystem/v3-DataOperation"

// ToTransactionBundle renders every resource that still participates in at
// least one valid pairing as a FHIR transaction bundle. Each exported
// resource gets a Provenance entry tagged with the extraction id and the
// group ids it was exported under.
func (b *ResourceBundle) ToTransactionBundle(extractionID string) ([]byte, error) {
	if extractionID == "" {
		extractionID = uuid.NewString()
	}

	// A resource exports once even when several groups keep it valid.
	groupsByRef := make(map[string][]string)
	for _, rg := range b.ValidGroups() {
		groupsByRef[rg.Ref] = append(groupsByRef[rg.Ref], rg.GroupID)
	}
	refs := make([]string, 0, len(groupsByRef))
	for ref := range groupsByRef {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	out := fhirBundle{
		ResourceType: "Bundle",
		ID:           extractionID,
		Type:         "transaction",
	}
	recorded := time.Now().UTC().Format(time.RFC3339)

	for _, ref := range refs {
		// A valid pairing is only ever decided on a fetched resource.
		entry, ok := b.Get(ref)
		if !ok {
			return nil, fmt.Errorf("export %s: %w", ref, fx.ErrUnknownReference)
		}
		if !entry.Present() {
			continue
		}
		res := entry.Resource()
		out.Entry = append(out.Entry, bundleEntry{
			FullURL:  "urn:uuid:" + uuid.NewString(),
			Resource: json.RawMessage(res.Bytes()),
			Request:  bundleRequest{Method: "PUT", URL: res.Ref()},
		})

		sort.Strings(groupsByRef[ref])
		prov := provenance{
			ResourceType: "Provenance",
			ID:           uuid.NewString(),
			Target:       []provenanceTarget{{Reference: res.Ref()}},
			Recorded:     recorded,
			Policy:       groupsByRef[ref],
			Activity: codeableConcept{Coding: []coding{{
				System: extractionActivitySystem,
				Code:   "EXTRACT",
			}}},
			Agent: []provenanceAgent{{
				Who: provenanceTarget{Reference: "Device/" + extractionID},
			}},
		}
		raw, err := json.Marshal(prov)
		if err != nil {
			return nil, err
		}
		out.Entry = append(out.Entry, bundleEntry{
			FullURL:  "urn:uuid:" + prov.ID,
			Resource: raw,
			Request:  bundleRequest{Method: "POST", URL: "Provenance"},
		})
	}

	return json.Marshal(out)
}
