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

package tool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nocturne-ai/nocturne/pkg/notify"
)

// FastModeTools is the only tool set rendered or executable while fast
// mode is active.
var FastModeTools = map[string]bool{
	"speak":   true,
	"hang_up": true,
}

// SetupFunc is implemented by tools that need per-agent wiring at
// registration time (all tools embedding Base do).
type SetupFunc interface {
	Setup(agentName, brokerURL string, pub notify.Publisher)
}

// Registry holds an agent's tools keyed by name.
type Registry struct {
	agentName string
	brokerURL string
	publisher notify.Publisher
	tools     map[string]Tool
	order     []string
}

// NewRegistry creates a registry bound to one agent.
func NewRegistry(agentName, brokerURL string, pub notify.Publisher) *Registry {
	return &Registry{
		agentName: agentName,
		brokerURL: brokerURL,
		publisher: pub,
		tools:     make(map[string]Tool),
	}
}

// Register adds a tool, wiring it to the agent's queue and publisher.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	if s, ok := t.(SetupFunc); ok {
		s.Setup(r.agentName, r.brokerURL, r.publisher)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns the tools that pass the availability gate, in
// registration order, honoring the fast-mode restriction.
func (r *Registry) Available(ctx AvailabilityContext, fastMode bool) []Tool {
	var out []Tool
	for _, name := range r.order {
		t := r.tools[name]
		if !t.IsAvailable(ctx) {
			continue
		}
		if fastMode && !FastModeTools[name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// RenderSection formats the available tools for the {tools} placeholder in
// the system prompt.
func (r *Registry) RenderSection(ctx AvailabilityContext, fastMode bool) string {
	if len(r.tools) == 0 {
		return "No tools are currently registered."
	}

	available := r.Available(ctx, fastMode)
	if len(available) == 0 {
		return "No tools are currently available in this context."
	}

	var sections []string
	for _, t := range available {
		info := t.Info()

		var sb strings.Builder
		fmt.Fprintf(&sb, "### %s\n%s", info.Command, info.Description)
		if len(info.Parameters) > 0 {
			sb.WriteString("\n**Parameters:**")
			for _, p := range info.Parameters {
				requirement := "Optional"
				if p.Required {
					requirement = "Required"
				}
				fmt.Fprintf(&sb, "\n- `%s` (%s): %s [%s]", p.Name, p.Type, p.Description, requirement)
			}
		} else {
			sb.WriteString("\n**Parameters:** None")
		}
		sections = append(sections, sb.String())
	}

	return strings.Join(sections, "\n\n")
}
