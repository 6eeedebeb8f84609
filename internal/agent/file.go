package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentSpec is one persona entry in the agents YAML file. Order in the file
// is significant: the first agent is the fallback default.
type AgentSpec struct {
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
	Model   string `yaml:"model,omitempty"`
}

type agentsFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadSpecs reads the persona registry from a YAML file. A missing path is
// not an error; it yields an empty list and the registry falls back to a
// single default agent.
func LoadSpecs(path string) ([]AgentSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read agents file %s: %w", path, err)
	}

	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse agents file %s: %w", path, err)
	}
	return f.Agents, nil
}
