package fhirextract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource is a fetched FHIR resource held as raw JSON plus the handful of
// fields the engine needs without a full parse: type, id and declared
// profiles. The raw bytes are what FHIRPath expressions evaluate against.
type Resource struct {
	raw          json.RawMessage
	resourceType string
	id           string
	profiles     []string
}

// resourceHeader is the minimal envelope parsed out of every resource.
type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *struct {
		Profile []string `json:"profile"`
	} `json:"meta"`
}

// NewResource parses the identifying envelope of a FHIR resource.
// The raw bytes are retained as-is.
func NewResource(raw []byte) (*Resource, error) {
	var hdr resourceHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse resource: %w", err)
	}
	if hdr.ResourceType == "" {
		return nil, fmt.Errorf("resource has no resourceType")
	}
	if hdr.ID == "" {
		return nil, fmt.Errorf("%s resource has no id", hdr.ResourceType)
	}

	r := &Resource{
		raw:          raw,
		resourceType: hdr.ResourceType,
		id:           hdr.ID,
	}
	if hdr.Meta != nil {
		r.profiles = hdr.Meta.Profile
	}
	return r, nil
}

// Type returns the resource type, e.g. "Patient".
func (r *Resource) Type() string { return r.resourceType }

// ID returns the logical id.
func (r *Resource) ID() string { return r.id }

// Ref returns the relative reference "Type/id", the cache key for
// everything in the engine.
func (r *Resource) Ref() string { return r.resourceType + "/" + r.id }

// Bytes returns the raw JSON of the resource.
func (r *Resource) Bytes() []byte { return r.raw }

// Profiles returns the canonical profile URLs declared in meta.profile,
// with any version suffix stripped.
func (r *Resource) Profiles() []string {
	if len(r.profiles) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, StripVersion(p))
	}
	return out
}

// HasProfile reports whether the resource declares the given canonical
// profile URL (version-insensitive).
func (r *Resource) HasProfile(url string) bool {
	url = StripVersion(url)
	for _, p := range r.profiles {
		if StripVersion(p) == url {
			return true
		}
	}
	return false
}

// StripVersion removes a "|version" suffix from a canonical URL.
func StripVersion(canonical string) string {
	if i := strings.IndexByte(canonical, '|'); i >= 0 {
		return canonical[:i]
	}
	return canonical
}

// ParseRef splits a relative reference "Type/id" into its parts.
// Absolute URLs are reduced to their trailing Type/id segments first.
func ParseRef(ref string) (resourceType, id string, err error) {
	rel := ref
	if strings.HasPrefix(rel, "http://") || strings.HasPrefix(rel, "https://") {
		parts := strings.Split(rel, "/")
		if len(parts) < 2 {
			return "", "", fmt.Errorf("malformed reference %q", ref)
		}
		rel = parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}

	i := strings.IndexByte(rel, '/')
	if i <= 0 || i == len(rel)-1 {
		return "", "", fmt.Errorf("malformed reference %q", ref)
	}
	return rel[:i], rel[i+1:], nil
}

// RefType returns the resource type of a reference string, or "" if the
// reference is malformed.
func RefType(ref string) string {
	t, _, err := ParseRef(ref)
	if err != nil {
		return ""
	}
	return t
}

// RelativeRef normalizes a reference string to "Type/id" form.
func RelativeRef(ref string) (string, error) {
	t, id, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	return t + "/" + id, nil
}
