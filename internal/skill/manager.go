package skill

import (
	"fmt"
	"sort"
	"strings"
)

// Configuration maps skill ids to manifests. It is built once at startup
// and never modified afterwards, so it is safe for concurrent reads.
type Configuration struct {
	HostEndpoint string
	skills       map[string]*Manifest
}

// NewConfiguration builds a configuration from manifests. Keys must equal
// the manifest id.
func NewConfiguration(hostEndpoint string, manifests map[string]*Manifest) (*Configuration, error) {
	c := &Configuration{HostEndpoint: hostEndpoint, skills: make(map[string]*Manifest, len(manifests))}
	for key, m := range manifests {
		if m == nil {
			return nil, fmt.Errorf("skill %s: nil manifest", key)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if key != m.ID {
			return nil, fmt.Errorf("skill key %q does not match manifest id %q", key, m.ID)
		}
		c.skills[key] = m
	}
	return c, nil
}

// ConfigurationFromList builds a configuration keyed by each manifest's id.
// Duplicate ids are rejected.
func ConfigurationFromList(hostEndpoint string, manifests []*Manifest) (*Configuration, error) {
	byID := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate skill id %q", m.ID)
		}
		byID[m.ID] = m
	}
	return NewConfiguration(hostEndpoint, byID)
}

// Get returns the manifest for id.
func (c *Configuration) Get(id string) (*Manifest, bool) {
	m, ok := c.skills[id]
	return m, ok
}

// All returns every manifest ordered by id.
func (c *Configuration) All() []*Manifest {
	out := make([]*Manifest, 0, len(c.skills))
	for _, m := range c.skills {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of configured skills.
func (c *Configuration) Len() int { return len(c.skills) }

// FormatList renders the configured skills as a short markdown list.
func FormatList(manifests []*Manifest) string {
	if len(manifests) == 0 {
		return "No skills are configured."
	}
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, m := range manifests {
		fmt.Fprintf(&b, "- **%s** (`%s`)", m.Name, m.ID)
		if m.Description != "" {
			fmt.Fprintf(&b, ": %s", m.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
