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

// Package memorystore is the typed interface over the vector database for
// semantic memory records.
package memorystore

import "time"

// VectorDimensions is the required embedding dimensionality for every
// memory vector.
const VectorDimensions = 768

// Collection is the Weaviate class holding memory records.
const Collection = "Memory"

// MemoryType classifies what a memory captures.
type MemoryType string

const (
	TypeUserPreference      MemoryType = "user_preference"
	TypeUserFact            MemoryType = "user_fact"
	TypeConversationContext MemoryType = "conversation_context"
	TypeAgentProcedure      MemoryType = "agent_procedure"
	TypeKnowledge           MemoryType = "knowledge"
	TypeEventPattern        MemoryType = "event_pattern"
	TypeErrorHandling       MemoryType = "error_handling"
	TypeProactiveAction     MemoryType = "proactive_action"
)

// ValidMemoryType reports whether s names a known memory type.
func ValidMemoryType(s string) bool {
	switch MemoryType(s) {
	case TypeUserPreference, TypeUserFact, TypeConversationContext,
		TypeAgentProcedure, TypeKnowledge, TypeEventPattern,
		TypeErrorHandling, TypeProactiveAction:
		return true
	}
	return false
}

// Scope controls memory visibility across agents.
type Scope string

const (
	ScopeIndividual Scope = "individual"
	ScopeShared     Scope = "shared"
)

// Source records how a memory was created.
type Source string

const (
	SourceUserExplicit   Source = "user_explicit"
	SourceInferred       Source = "inferred"
	SourceProactiveAgent Source = "proactive_agent"
	SourceAgentLearning  Source = "agent_learning"
)

// Memory is one semantic memory record. The embedding vector is attached
// outside the property set.
type Memory struct {
	ID                string     `json:"id"`
	Content           string     `json:"content"`
	MemoryType        MemoryType `json:"memory_type"`
	Scope             Scope      `json:"scope"`
	AgentID           string     `json:"agent_id,omitempty"`
	SessionID         string     `json:"session_id,omitempty"`
	RelatedEventTypes []string   `json:"related_event_types,omitempty"`
	RelatedTools      []string   `json:"related_tools,omitempty"`
	RelatedMemoryIDs  []string   `json:"related_memory_ids,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	Importance        float64    `json:"importance"`
	Confidence        float64    `json:"confidence"`
	Source            Source     `json:"source"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AccessCount       int        `json:"access_count"`
	LastAccessedAt    time.Time  `json:"last_accessed_at"`
	SuccessCount      int        `json:"success_count"`
	FailureCount      int        `json:"failure_count"`

	// SearchScore is set on vector-search results (cosine-derived, 0..1).
	SearchScore float64 `json:"search_score,omitempty"`

	// Embedding is populated only when explicitly requested.
	Embedding []float32 `json:"-"`
}

// clamp01 bounds a score to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
