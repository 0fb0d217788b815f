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

package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nocturne-ai/nocturne/pkg/tool"
)

const toolsPlaceholder = "{tools}"

// ReadSystemPromptTool returns the agent's raw prompt template from disk,
// including the {tools} placeholder.
type ReadSystemPromptTool struct {
	tool.Base
	promptPath string
}

// NewReadSystemPromptTool creates the tool for the given prompt path.
func NewReadSystemPromptTool(promptPath string) *ReadSystemPromptTool {
	return &ReadSystemPromptTool{
		Base: tool.NewBase("read_system_prompt",
			"Reads your current system prompt from disk. This shows the raw template including "+
				"the {tools} placeholder. Use this to understand your current instructions before "+
				"making changes."),
		promptPath: promptPath,
	}
}

func (t *ReadSystemPromptTool) Info() tool.Info {
	return tool.Info{Command: "read_system_prompt", Description: t.Description()}
}

func (t *ReadSystemPromptTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return true
}

func (t *ReadSystemPromptTool) Validate(args map[string]any) error {
	return nil
}

func (t *ReadSystemPromptTool) Execute(ctx context.Context, args map[string]any) error {
	data, err := os.ReadFile(t.promptPath)
	if err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("System prompt file not readable at %s: %v", t.promptPath, err))
		return nil
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"content":    string(data),
		"path":       t.promptPath,
		"size_bytes": len(data),
		"note":       "The {tools} placeholder in the prompt is replaced with actual tool descriptions at runtime.",
	}, "")
	return nil
}

// EditSystemPromptTool edits the agent's prompt template. Supports full
// replacement, find/replace, and append. Any edit that would drop the
// {tools} placeholder is rejected and the file is left unchanged.
type EditSystemPromptTool struct {
	tool.Base
	promptPath string
}

// NewEditSystemPromptTool creates the tool for the given prompt path.
func NewEditSystemPromptTool(promptPath string) *EditSystemPromptTool {
	return &EditSystemPromptTool{
		Base: tool.NewBase("edit_system_prompt",
			"Edits your system prompt. Changes take effect immediately on the next LLM call. "+
				"You can replace the entire prompt or use find/replace for targeted edits. "+
				"CRITICAL: you MUST preserve the {tools} placeholder somewhere in the prompt, "+
				"otherwise you will lose access to all tools."),
		promptPath: promptPath,
	}
}

func (t *EditSystemPromptTool) Info() tool.Info {
	return tool.Info{
		Command:     "edit_system_prompt",
		Description: t.Description(),
		Parameters: []tool.ParameterInfo{
			{Name: "new_content", Type: "str", Description: "Complete new system prompt content (must include {tools})", Required: false},
			{Name: "find", Type: "str", Description: "Text to find for replacement", Required: false},
			{Name: "replace", Type: "str", Description: "Text to replace the found text with", Required: false},
			{Name: "append", Type: "str", Description: "Text to append (before {tools})", Required: false},
		},
	}
}

func (t *EditSystemPromptTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return true
}

func (t *EditSystemPromptTool) Validate(args map[string]any) error {
	_, hasNew := args["new_content"].(string)
	_, hasFind := args["find"].(string)
	_, hasReplace := args["replace"].(string)
	_, hasAppend := args["append"].(string)

	if !hasNew && !(hasFind && hasReplace) && !hasAppend {
		return fmt.Errorf("must provide either 'new_content', 'find'+'replace', or 'append'")
	}
	return nil
}

func (t *EditSystemPromptTool) Execute(ctx context.Context, args map[string]any) error {
	current, err := os.ReadFile(t.promptPath)
	if err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("System prompt file not readable at %s: %v", t.promptPath, err))
		return nil
	}
	currentContent := string(current)

	var finalContent, operation string
	switch {
	case args["new_content"] != nil:
		finalContent, _ = args["new_content"].(string)
		operation = "full_replace"

	case args["find"] != nil && args["replace"] != nil:
		findText, _ := args["find"].(string)
		replaceText, _ := args["replace"].(string)
		if !strings.Contains(currentContent, findText) {
			t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Text to find not found in system prompt: %q", truncate(findText, 100)))
			return nil
		}
		finalContent = strings.ReplaceAll(currentContent, findText, replaceText)
		operation = "find_replace"

	default:
		appendText, _ := args["append"].(string)
		if strings.Contains(currentContent, toolsPlaceholder) {
			finalContent = strings.Replace(currentContent, toolsPlaceholder, appendText+"\n\n"+toolsPlaceholder, 1)
		} else {
			finalContent = currentContent + "\n\n" + appendText
		}
		operation = "append"
	}

	if !strings.Contains(finalContent, toolsPlaceholder) {
		t.PublishResult(ctx, "FAILURE", nil,
			"REJECTED: the {tools} placeholder is missing from the new content. You MUST include "+
				"{tools} in your system prompt or you will lose access to all tools.")
		return nil
	}

	if err := os.WriteFile(t.promptPath, []byte(finalContent), 0o644); err != nil {
		t.PublishResult(ctx, "FAILURE", nil, fmt.Sprintf("Failed to write system prompt: %v", err))
		return nil
	}

	t.PublishResult(ctx, "SUCCESS", map[string]any{
		"operation":      operation,
		"new_size_bytes": len(finalContent),
		"path":           t.promptPath,
		"note":           "Changes will take effect on the next LLM call.",
	}, "")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
