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

package agent

import (
	"os"
	"strings"

	"github.com/nocturne-ai/nocturne/pkg/tool"
)

// liveSystemPrompt resolves the current system prompt with tools rendered,
// database-first with file fallback. Database prompts can be edited through
// the gateway API without restarting the agent; the file path is the
// always-available baseline.
func (a *Agent) liveSystemPrompt() string {
	toolsSection := a.registry.RenderSection(a.availabilityContext(), a.fastMode)

	if prompt, err := a.db.GetFullPromptContent(); err == nil && prompt != nil && prompt.FullContent != "" {
		switch prompt.ToolsPosition {
		case "start":
			return "## Available Tools\n\n" + toolsSection + "\n\n" + prompt.FullContent
		case "none":
			return prompt.FullContent
		default: // "end"
			return prompt.FullContent + "\n\n## Available Tools\n\n" + toolsSection
		}
	}

	return a.promptFromFile(toolsSection)
}

// promptFromFile renders the file-based template. Only the literal {tools}
// token is replaced; all other brace sequences are preserved verbatim
// because prompts legitimately contain JSON examples.
func (a *Agent) promptFromFile(toolsSection string) string {
	template, err := os.ReadFile(a.systemPromptPath)
	if err != nil {
		a.log.Warn("system prompt file not readable, using description fallback",
			"path", a.systemPromptPath, "error", err)
		return a.description
	}

	return strings.ReplaceAll(string(template), "{tools}", toolsSection)
}

// availabilityContext builds the tool gate input from loop state.
func (a *Agent) availabilityContext() tool.AvailabilityContext {
	return tool.NewAvailabilityContext(a.lastSessionID, a.lastCallID)
}

// handlePromptChanged mirrors a changed prompt into the transcript's
// system message. Wired as the context builder's change callback.
func (a *Agent) handlePromptChanged(newContent string) {
	a.log.Info("system prompt changed, updating transcript")
	if err := a.db.UpdateSystemPrompt(newContent); err != nil {
		a.log.Error("failed to update transcript system prompt", "error", err)
	}
}
