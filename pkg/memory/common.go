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

// Package memory implements the two subconscious modules that run beside
// the agent loop: the Creator, which decides whether recent conversation
// is worth persisting as semantic memory, and the Retriever, which
// surfaces a small number of relevant, not-recently-provided memories.
//
// Both modules are background contributors: their failures are logged and
// never propagate into the processing cycle.
package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/nocturne-ai/nocturne/pkg/state"
)

// formatMessages renders transcript messages as the plain-text context the
// module LLMs consume.
func formatMessages(messages []state.Message) string {
	formatted := make([]string, 0, len(messages))
	for _, msg := range messages {
		var content string
		if msg.Content != nil {
			data, err := json.MarshalIndent(msg.Content, "", "  ")
			if err != nil {
				content = fmt.Sprintf("%v", msg.Content)
			} else {
				content = string(data)
			}
		}
		formatted = append(formatted, strings.ToUpper(string(msg.Role))+": "+content)
	}
	return strings.Join(formatted, "\n\n")
}

// userAssistantOnly filters a transcript page down to user and assistant
// turns.
func userAssistantOnly(messages []state.Message) []state.Message {
	var out []state.Message
	for _, msg := range messages {
		if msg.Role == state.RoleUser || msg.Role == state.RoleAssistant {
			out = append(out, msg)
		}
	}
	return out
}

// lastN returns the trailing n messages.
func lastN(messages []state.Message, n int) []state.Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// stripFences removes a markdown code fence around a JSON response, if
// present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
	} else {
		return s
	}
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// cosineSimilarity computes the cosine of two equal-length vectors.
// Returns 0 when either vector has zero norm.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
