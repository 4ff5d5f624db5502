// Package skills manages platform skills and custom integrations: the
// instruction bundles and credentialed CLI wrappers written into a
// sandbox before prompting. Built-in skills come from a YAML manifest;
// imported skills and custom integrations are store rows.
package skills

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Skill is one instruction bundle the model can draw on. Instructions
// are written into the sandbox as a markdown file during pre-prompt
// setup.
type Skill struct {
	Name         string    `json:"name" yaml:"name"`
	Title        string    `json:"title" yaml:"title"`
	Description  string    `json:"description" yaml:"description"`
	Instructions string    `json:"instructions" yaml:"instructions"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// CustomIntegration is a user-defined CLI wrapper with its own
// credentials. CredentialsUpdatedAt participates in the pre-prompt cache
// key so a rotated secret forces a re-write.
type CustomIntegration struct {
	Name                 string            `json:"name"`
	Title                string            `json:"title"`
	Script               string            `json:"script"`
	Env                  map[string]string `json:"env,omitempty"`
	CredentialsUpdatedAt time.Time         `json:"credentials_updated_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Draft is a skill the model deposited in the sandbox for import during
// post-processing.
type Draft struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
}

// Validate rejects drafts that cannot become skills.
func (d *Draft) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("draft is missing a name")
	}
	if d.Instructions == "" {
		return fmt.Errorf("draft %q has no instructions", d.Name)
	}
	return nil
}

// manifest is the YAML shape of the built-in skill list.
type manifest struct {
	Skills []Skill `yaml:"skills"`
}

// LoadManifest reads built-in skills from a YAML file. An empty path
// returns no skills.
func LoadManifest(path string) ([]Skill, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skills manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse skills manifest: %w", err)
	}
	return m.Skills, nil
}
