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
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	Base
	onCallOnly bool
	params     []ParameterInfo
}

func newStubTool(name string, onCallOnly bool, params ...ParameterInfo) *stubTool {
	return &stubTool{Base: NewBase(name, "does "+name), onCallOnly: onCallOnly, params: params}
}

func (s *stubTool) Info() Info {
	return Info{Command: s.Name(), Description: s.Description(), Parameters: s.params}
}

func (s *stubTool) Validate(args map[string]any) error { return nil }

func (s *stubTool) IsAvailable(ctx AvailabilityContext) bool {
	if s.onCallOnly {
		return ctx.IsOnCall
	}
	return !ctx.IsOnCall
}

func (s *stubTool) Execute(ctx context.Context, args map[string]any) error { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry("weather_agent", "amqp://localhost", nil)
	require.NoError(t, r.Register(newStubTool("send_user_message", false, ParameterInfo{
		Name: "content", Type: "str", Description: "message text", Required: true,
	})))
	require.NoError(t, r.Register(newStubTool("speak", true)))
	require.NoError(t, r.Register(newStubTool("hang_up", true)))
	return r
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(newStubTool("speak", true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestAvailabilityContextGating(t *testing.T) {
	r := newTestRegistry(t)

	offCall := NewAvailabilityContext("s1", "")
	assert.False(t, offCall.IsOnCall)
	names := toolNames(r.Available(offCall, false))
	assert.Equal(t, []string{"send_user_message"}, names)

	onCall := NewAvailabilityContext("s1", "call-1")
	assert.True(t, onCall.IsOnCall)
	names = toolNames(r.Available(onCall, false))
	assert.Equal(t, []string{"speak", "hang_up"}, names)
}

func TestFastModeRestrictsToVoiceTools(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(newStubTool("always_on", false)))

	onCall := NewAvailabilityContext("s1", "call-1")
	names := toolNames(r.Available(onCall, true))

	// Fast mode renders a subset of {speak, hang_up} only.
	for _, name := range names {
		assert.True(t, FastModeTools[name], "unexpected tool in fast mode: %s", name)
	}
	assert.Equal(t, []string{"speak", "hang_up"}, names)
}

func TestRenderSectionFormat(t *testing.T) {
	r := newTestRegistry(t)

	section := r.RenderSection(NewAvailabilityContext("", ""), false)
	assert.Contains(t, section, "### send_user_message")
	assert.Contains(t, section, "**Parameters:**")
	assert.Contains(t, section, "`content` (str): message text [Required]")
	assert.NotContains(t, section, "### speak")
}

func TestRenderSectionNoTools(t *testing.T) {
	empty := NewRegistry("weather_agent", "", nil)
	assert.Contains(t, empty.RenderSection(AvailabilityContext{}, false), "No tools are currently registered")

	// On a call in fast mode with only messaging registered: nothing passes.
	messaging := NewRegistry("weather_agent", "", nil)
	require.NoError(t, messaging.Register(newStubTool("send_user_message", false)))
	section := messaging.RenderSection(NewAvailabilityContext("s1", "call-1"), true)
	assert.Contains(t, section, "No tools are currently available")
}

func toolNames(tools []Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}
	return names
}

func TestParameterRenderingOptional(t *testing.T) {
	r := NewRegistry("weather_agent", "", nil)
	require.NoError(t, r.Register(newStubTool("tool_x", false,
		ParameterInfo{Name: "a", Type: "str", Description: "required one", Required: true},
		ParameterInfo{Name: "b", Type: "int", Description: "optional one"},
	)))

	section := r.RenderSection(AvailabilityContext{}, false)
	lines := strings.Split(section, "\n")
	assert.Contains(t, lines, "- `a` (str): required one [Required]")
	assert.Contains(t, lines, "- `b` (int): optional one [Optional]")
}
