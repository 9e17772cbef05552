package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec names a policy and its configuration map, the shape stored in policy
// files and in the durable policy table.
type Spec struct {
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// LoadSpec reads a policy spec from a JSON or YAML file, selected by
// extension.
func LoadSpec(path string) (Spec, error) {
	var spec Spec

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("decode yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("decode json: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &spec); err == nil {
			break
		}
		if err := yaml.Unmarshal(data, &spec); err == nil {
			break
		}
		return spec, fmt.Errorf("unsupported policy file extension: %s", filepath.Ext(path))
	}

	if spec.Name == "" {
		return spec, fmt.Errorf("policy file %s names no policy", path)
	}
	return spec, nil
}
