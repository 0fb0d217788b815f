// Copyright 2025 Nocturne Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentDefinition is the declarative description of an agent, loaded from a
// YAML file. It carries identity and the tool set; infrastructure settings
// stay in the environment.
type AgentDefinition struct {
	// Name is the stable agent identifier, conventionally suffixed "_agent".
	Name string `yaml:"name"`

	// DisplayName is the human-readable name.
	DisplayName string `yaml:"display_name"`

	// Description is a fallback system prompt used when neither the prompt
	// database nor the prompt file is available.
	Description string `yaml:"description,omitempty"`

	// Tools lists the tool names to register for this agent.
	Tools []string `yaml:"tools,omitempty"`
}

// LoadAgentDefinition reads and validates an agent definition file.
func LoadAgentDefinition(path string) (*AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent definition %s: %w", path, err)
	}

	var def AgentDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse agent definition %s: %w", path, err)
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent definition %s: %w", path, err)
	}

	return &def, nil
}

// Validate checks the definition for structural problems.
func (d *AgentDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("name must not contain whitespace: %q", d.Name)
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	seen := make(map[string]bool, len(d.Tools))
	for _, t := range d.Tools {
		if t == "" {
			return fmt.Errorf("tool names must not be empty")
		}
		if seen[t] {
			return fmt.Errorf("duplicate tool %q", t)
		}
		seen[t] = true
	}
	return nil
}
