// Package loader reads the attribute-group catalogue that drives an
// extraction run, compiles its filter expressions, and cross-checks the
// groups against the StructureDefinitions they target.
package loader

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/group"
)

// catalogueFile is the wire format of a catalogue document.
type catalogueFile struct {
	Version         string      `json:"version,omitempty"`
	Name            string      `json:"name,omitempty"`
	AttributeGroups []groupFile `json:"attributeGroups"`
}

type groupFile struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	ResourceType  string            `json:"resourceType,omitempty"`
	Profile       string            `json:"profile,omitempty"`
	ReferenceOnly bool              `json:"referenceOnly,omitempty"`
	Filter        string            `json:"filter,omitempty"`
	Attributes    []group.Attribute `json:"attributes"`
}

// LoadCatalogue reads a catalogue JSON file and compiles its filters.
func LoadCatalogue(path string) (*group.Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}
	defer f.Close()
	return ReadCatalogue(f)
}

// ReadCatalogue parses a catalogue document and compiles its filters.
// Profile canonicals are stored version-stripped, matching how resources
// declare them.
func ReadCatalogue(r io.Reader) (*group.Catalogue, error) {
	var file catalogueFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	if len(file.AttributeGroups) == 0 {
		return nil, fmt.Errorf("catalogue declares no attribute groups")
	}

	groups := make([]*group.Group, 0, len(file.AttributeGroups))
	for _, gf := range file.AttributeGroups {
		g := &group.Group{
			ID:            gf.ID,
			Name:          gf.Name,
			ResourceType:  gf.ResourceType,
			ProfileURL:    fx.StripVersion(gf.Profile),
			ReferenceOnly: gf.ReferenceOnly,
			Attributes:    gf.Attributes,
		}
		if gf.Filter != "" {
			pred, err := group.CompileFilter(gf.Filter)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", gf.ID, err)
			}
			g.Filter = pred
		}
		groups = append(groups, g)
	}

	cat, err := group.NewCatalogue(groups...)
	if err != nil {
		return nil, err
	}
	if err := checkLinks(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// checkLinks verifies every attribute's linked groups exist. Dangling
// links are tolerated at resolution time, but a catalogue that ships them
// is almost certainly wrong.
func checkLinks(cat *group.Catalogue) error {
	for _, id := range cat.IDs() {
		g, _ := cat.Get(id)
		for _, attr := range g.Attributes {
			for _, linked := range attr.LinkedGroupIDs {
				if _, ok := cat.Get(linked); !ok {
					return fmt.Errorf("group %q attribute %q links unknown group %q", id, attr.Ref, linked)
				}
			}
		}
	}
	return nil
}
