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

package context

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawTruncateLimit bounds how much of the raw model output rides along in
// parse errors.
const rawTruncateLimit = 2000

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ToolName  string
	Arguments map[string]any
}

// AgentResponse is the validated shape of one assistant turn.
type AgentResponse struct {
	Thought      string
	ToolCalls    []ToolCall
	ActionStatus string
}

// ParseError reports an invalid model response. Raw carries the (truncated)
// original output for diagnosis. EmptyToolCalls marks the structurally
// valid but policy-violating case of an empty tool_calls array.
type ParseError struct {
	Reason         string
	Raw            string
	EmptyToolCalls bool
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid LLM response: %s\nraw response: %s", e.Reason, e.Raw)
}

func newParseError(reason, raw string) *ParseError {
	truncated := raw
	if len(truncated) > rawTruncateLimit {
		truncated = truncated[:rawTruncateLimit] + fmt.Sprintf("... (truncated, %d total chars)", len(raw))
	}
	return &ParseError{Reason: reason, Raw: truncated}
}

// ParseResponse validates a raw model response into an AgentResponse.
//
// Accepted leniencies: one surrounding markdown code fence, a
// single-element array wrapper, and the legacy "reasoning" alias for
// "thought". Everything else is strict; in particular an empty tool_calls
// array is an error because every assistant turn must invoke at least one
// tool.
func (b *Builder) ParseResponse(raw string) (*AgentResponse, error) {
	content := stripCodeFence(strings.TrimSpace(raw))

	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, newParseError(fmt.Sprintf("JSON parse error: %v", err), raw)
	}

	// Some models wrap the object in a one-element array.
	if list, ok := parsed.([]any); ok {
		if len(list) == 1 {
			parsed = list[0]
		} else {
			return nil, newParseError(fmt.Sprintf("response must be a JSON object, got array of %d", len(list)), raw)
		}
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, newParseError("response must be a JSON object", raw)
	}

	if _, ok := obj["thought"]; !ok {
		if reasoning, ok := obj["reasoning"]; ok {
			obj["thought"] = reasoning
		}
	}

	thought, ok := obj["thought"].(string)
	if !ok {
		return nil, newParseError(fmt.Sprintf("missing required 'thought' field (got fields: %v)", fieldNames(obj)), raw)
	}

	rawCalls, ok := obj["tool_calls"]
	if !ok {
		return nil, newParseError(fmt.Sprintf("missing required 'tool_calls' field (got fields: %v)", fieldNames(obj)), raw)
	}
	callList, ok := rawCalls.([]any)
	if !ok {
		return nil, newParseError("'tool_calls' must be a list", raw)
	}
	if len(callList) == 0 {
		perr := newParseError("empty tool_calls: the agent must use at least one tool per turn", raw)
		perr.EmptyToolCalls = true
		return nil, perr
	}

	toolCalls := make([]ToolCall, 0, len(callList))
	for i, rawCall := range callList {
		call, ok := rawCall.(map[string]any)
		if !ok {
			return nil, newParseError(fmt.Sprintf("tool_calls[%d] must be an object", i), raw)
		}
		name, ok := call["tool_name"].(string)
		if !ok || name == "" {
			return nil, newParseError(fmt.Sprintf("tool_calls[%d] missing 'tool_name'", i), raw)
		}
		args, ok := call["arguments"].(map[string]any)
		if !ok {
			if _, present := call["arguments"]; !present {
				return nil, newParseError(fmt.Sprintf("tool_calls[%d] missing 'arguments'", i), raw)
			}
			return nil, newParseError(fmt.Sprintf("tool_calls[%d] 'arguments' must be an object", i), raw)
		}
		toolCalls = append(toolCalls, ToolCall{ToolName: name, Arguments: args})
	}

	actionStatus, _ := obj["action_status"].(string)

	return &AgentResponse{
		Thought:      thought,
		ToolCalls:    toolCalls,
		ActionStatus: actionStatus,
	}, nil
}

// stripCodeFence removes one surrounding markdown code fence, if present.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}

	lines := strings.Split(s, "\n")
	var body []string
	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inFence {
				break
			}
			inFence = true
			continue
		}
		if inFence {
			body = append(body, line)
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

func fieldNames(obj map[string]any) []string {
	names := make([]string, 0, len(obj))
	for k := range obj {
		names = append(names, k)
	}
	return names
}
