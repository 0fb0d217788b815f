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

// Package state is the client for the agent state store behind the API
// gateway: agent status, processing state, transcript, metadata, and
// system prompt records.
package state

import "time"

// ProcessingState is the intra-cycle sub-state of an agent.
type ProcessingState string

const (
	StateIdle           ProcessingState = "idle"
	StateThinking       ProcessingState = "thinking"
	StateExecutingTools ProcessingState = "executing_tools"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusSleeping AgentStatus = "sleeping"
	StatusOff      AgentStatus = "off"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Content is always a structured object,
// never raw text, so it can carry typed sub-shapes (text, notifications,
// proactive_memories, tool_calls).
type Message struct {
	Role      Role           `json:"role"`
	Content   map[string]any `json:"content"`
	Documents []string       `json:"documents,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// AgentState is the full per-agent record the store tracks.
type AgentState struct {
	Status          AgentStatus     `json:"status"`
	ProcessingState ProcessingState `json:"processing_state"`
	LastUpdated     time.Time       `json:"last_updated"`
	TotalMessages   int             `json:"total_messages"`
	Metadata        map[string]any  `json:"metadata"`
}

// ActivePrompt is the database-managed system prompt record for an agent.
type ActivePrompt struct {
	Content       string   `json:"content"`
	SectionIDs    []string `json:"section_ids"`
	ToolsPosition string   `json:"tools_position"`
	Version       int      `json:"version"`
}

// PromptSection is a reusable prompt fragment referenced by ActivePrompt.
type PromptSection struct {
	SectionID    string `json:"section_id"`
	Content      string `json:"content"`
	DisplayOrder int    `json:"display_order"`
}

// FullPrompt is an active prompt with its sections expanded.
type FullPrompt struct {
	FullContent   string `json:"full_content"`
	ToolsPosition string `json:"tools_position"`
	Version       int    `json:"version"`
}
