package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofhir/fhir/r4"

	fx "github.com/gofhir/extract"
	"github.com/gofhir/extract/group"
)

// ProfileIndex holds the StructureDefinitions a catalogue's groups
// target, indexed by version-stripped canonical URL.
type ProfileIndex struct {
	byURL map[string]*r4.StructureDefinition
}

// NewProfileIndex creates an empty index.
func NewProfileIndex() *ProfileIndex {
	return &ProfileIndex{byURL: make(map[string]*r4.StructureDefinition)}
}

// Add indexes one StructureDefinition.
func (p *ProfileIndex) Add(sd *r4.StructureDefinition) error {
	if sd == nil || sd.Url == nil || *sd.Url == "" {
		return fmt.Errorf("structure definition without url")
	}
	p.byURL[fx.StripVersion(*sd.Url)] = sd
	return nil
}

// Get returns the StructureDefinition for a canonical URL, version
// ignored.
func (p *ProfileIndex) Get(url string) (*r4.StructureDefinition, bool) {
	sd, ok := p.byURL[fx.StripVersion(url)]
	return sd, ok
}

// Len returns the number of indexed profiles.
func (p *ProfileIndex) Len() int { return len(p.byURL) }

// LoadProfiles reads every StructureDefinition JSON file in a directory
// into an index. Files that are not StructureDefinitions are skipped.
func LoadProfiles(dir string) (*ProfileIndex, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile directory: %w", err)
	}

	idx := NewProfileIndex()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.ResourceType != "StructureDefinition" {
			continue
		}

		var sd r4.StructureDefinition
		if err := json.Unmarshal(data, &sd); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if err := idx.Add(&sd); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
	}
	return idx, nil
}

// VerifyCatalogue cross-checks every group that names a profile against
// the index: the profile must exist and its base resource type must
// match the group's. A group without a declared resource type inherits
// it from the profile.
func VerifyCatalogue(cat *group.Catalogue, profiles *ProfileIndex) error {
	for _, id := range cat.IDs() {
		g, _ := cat.Get(id)
		if g.ProfileURL == "" {
			continue
		}
		sd, ok := profiles.Get(g.ProfileURL)
		if !ok {
			return fmt.Errorf("group %q targets unknown profile %s", id, g.ProfileURL)
		}
		sdType := ""
		if sd.Type != nil {
			sdType = *sd.Type
		}
		if g.ResourceType == "" {
			g.ResourceType = sdType
			continue
		}
		if sdType != "" && g.ResourceType != sdType {
			return fmt.Errorf("group %q declares resource type %s but profile %s constrains %s",
				id, g.ResourceType, g.ProfileURL, sdType)
		}
	}
	return nil
}
