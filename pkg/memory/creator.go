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

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nocturne-ai/nocturne/pkg/embedders"
	"github.com/nocturne-ai/nocturne/pkg/llms"
	"github.com/nocturne-ai/nocturne/pkg/memorystore"
	"github.com/nocturne-ai/nocturne/pkg/state"
)

// waitTopicKey is the agent-metadata key carrying an unfinished disclosure
// topic across turns.
const waitTopicKey = "memory_creator_wait_topic"

// MetadataClient is the slice of the state store the creator needs for its
// WAIT state.
type MetadataClient interface {
	GetAgentState() (*state.AgentState, error)
	UpdateAgentMetadata(patch map[string]any) error
}

// CreatorConfig configures the memory creator.
type CreatorConfig struct {
	AgentName       string
	Enabled         bool
	RunEveryNTurns  int
	ContextMessages int
}

// Creator decides whether the recent exchange produced information worth
// persisting, and writes accepted memories to the vector store.
type Creator struct {
	cfg      CreatorConfig
	llm      llms.Provider
	store    *memorystore.Store
	embedder embedders.EmbedderProvider
	meta     MetadataClient
	log      *slog.Logger
}

// NewCreator builds a memory creator.
func NewCreator(cfg CreatorConfig, llm llms.Provider, store *memorystore.Store, embedder embedders.EmbedderProvider, meta MetadataClient, log *slog.Logger) *Creator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RunEveryNTurns < 1 {
		cfg.RunEveryNTurns = 1
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 10
	}
	return &Creator{cfg: cfg, llm: llm, store: store, embedder: embedder, meta: meta, log: log}
}

// ShouldRun gates the module on turn cadence.
func (c *Creator) ShouldRun(turnNumber int) bool {
	return c.cfg.Enabled && turnNumber%c.cfg.RunEveryNTurns == 0
}

// creatorDecision is the parsed module output.
type creatorDecision struct {
	Reflection string           `json:"reflection"`
	Decision   string           `json:"decision"`
	Memories   []proposedMemory `json:"memories"`
	Topic      string           `json:"topic"`
}

type proposedMemory struct {
	Content           string   `json:"content"`
	MemoryType        string   `json:"memory_type"`
	Importance        float64  `json:"importance"`
	Confidence        float64  `json:"confidence"`
	Tags              []string `json:"tags"`
	Scope             string   `json:"scope"`
	RelatedEventTypes []string `json:"related_event_types"`
	RelatedTools      []string `json:"related_tools"`
}

// Run analyzes the recent conversation. Failures never propagate: the
// creator is a background contributor.
func (c *Creator) Run(ctx context.Context, messages []state.Message) {
	recent := lastN(userAssistantOnly(messages), c.cfg.ContextMessages)

	past := c.pastMemories(ctx)
	waitTopic := c.waitTopic()

	var sb strings.Builder
	sb.WriteString("# Recent Conversation\n\n")
	sb.WriteString(formatMessages(recent))
	if len(past) > 0 {
		sb.WriteString("\n\n# Past 5 Created Memories (check these to avoid duplicates)\n")
		for _, mem := range past {
			fmt.Fprintf(&sb, "- [%s] %s\n", mem.MemoryType, mem.Content)
		}
	}
	if waitTopic != "" {
		fmt.Fprintf(&sb, "\n\n# WAIT State Topic: %s", waitTopic)
	}

	raw, err := c.llm.GenerateWithSystem(ctx, creatorSystemPrompt, sb.String())
	if err != nil {
		c.log.Error("memory creator LLM call failed", "error", err)
		return
	}

	decision, err := parseCreatorDecision(raw)
	if err != nil {
		c.log.Warn("memory creator response unparsable, treating as IGNORE", "error", err)
		c.setWaitTopic("")
		return
	}

	switch decision.Decision {
	case "CREATE_NOW":
		c.log.Info("memory creator: CREATE_NOW", "count", len(decision.Memories))
		for _, mem := range decision.Memories {
			if err := c.persist(ctx, mem); err != nil {
				c.log.Error("failed to create memory", "error", err)
			}
		}
		c.setWaitTopic("")

	case "WAIT":
		c.log.Info("memory creator: WAIT", "topic", decision.Topic)
		c.setWaitTopic(decision.Topic)

	default:
		c.log.Debug("memory creator: IGNORE")
		c.setWaitTopic("")
	}
}

func (c *Creator) persist(ctx context.Context, mem proposedMemory) error {
	if mem.Content == "" {
		return fmt.Errorf("proposed memory has no content")
	}
	if !memorystore.ValidMemoryType(mem.MemoryType) {
		return fmt.Errorf("proposed memory has invalid type %q", mem.MemoryType)
	}

	vector, err := c.embedder.EmbedMemory(ctx, mem.Content)
	if err != nil {
		return fmt.Errorf("failed to embed memory: %w", err)
	}

	scope := memorystore.Scope(mem.Scope)
	if scope != memorystore.ScopeIndividual && scope != memorystore.ScopeShared {
		scope = memorystore.ScopeShared
	}
	importance := mem.Importance
	if importance == 0 {
		importance = 0.5
	}
	confidence := mem.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	id, err := c.store.Create(ctx, memorystore.CreateParams{
		Content:           mem.Content,
		MemoryType:        memorystore.MemoryType(mem.MemoryType),
		Scope:             scope,
		AgentID:           c.cfg.AgentName,
		Tags:              mem.Tags,
		Importance:        importance,
		Confidence:        confidence,
		Source:            memorystore.SourceProactiveAgent,
		RelatedEventTypes: mem.RelatedEventTypes,
		RelatedTools:      mem.RelatedTools,
	}, vector)
	if err != nil {
		return err
	}

	c.log.Info("created memory", "id", id, "type", mem.MemoryType,
		"content", truncateForLog(mem.Content, 80))
	return nil
}

// pastMemories returns this agent's last 5 created memories, newest first.
func (c *Creator) pastMemories(ctx context.Context) []*memorystore.Memory {
	memories, err := c.store.Search(ctx, memorystore.SearchParams{
		AgentID: c.cfg.AgentName,
		Limit:   5,
		SortBy:  memorystore.SortByCreatedAt,
	})
	if err != nil {
		c.log.Warn("failed to fetch past memories", "error", err)
		return nil
	}
	return memories
}

func (c *Creator) waitTopic() string {
	agentState, err := c.meta.GetAgentState()
	if err != nil || agentState == nil {
		return ""
	}
	topic, _ := agentState.Metadata[waitTopicKey].(string)
	return topic
}

func (c *Creator) setWaitTopic(topic string) {
	var patch map[string]any
	if topic == "" {
		patch = map[string]any{waitTopicKey: nil}
	} else {
		patch = map[string]any{waitTopicKey: topic}
	}
	if err := c.meta.UpdateAgentMetadata(patch); err != nil {
		c.log.Error("failed to update wait topic", "error", err)
	}
}

func parseCreatorDecision(raw string) (*creatorDecision, error) {
	var decision creatorDecision
	if err := json.Unmarshal([]byte(stripFences(raw)), &decision); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	switch decision.Decision {
	case "CREATE_NOW", "WAIT", "IGNORE":
		return &decision, nil
	case "":
		return nil, fmt.Errorf("missing 'decision' field")
	default:
		return nil, fmt.Errorf("invalid decision: %q", decision.Decision)
	}
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const creatorSystemPrompt = `You are the agent's subconscious memory system. Your job is to identify and store important information that will be valuable in future conversations.

BE HIGHLY SELECTIVE. Only create memories when truly necessary.

CREATE memories ONLY for:
- Explicit user preferences or corrections ("I prefer...", "Don't do...", "Always...")
- Personal facts about the user (name, job, location, relationships, interests)
- Significant project context or goals that will matter in future sessions
- Procedures that worked well or failed in notable ways

NEVER create memories for:
- General knowledge or facts (the agent can look these up)
- Trivial or routine exchanges ("hi", "thanks", small talk)
- Information already captured in recent memories (CHECK THE PAST 5 MEMORIES CAREFULLY)
- Information that is similar to or overlaps with a recent memory
- Temporary context that won't matter in future conversations
- Things the user mentioned casually without emphasis

DUPLICATE PREVENTION (CRITICAL):
- Before deciding CREATE_NOW, check if ANY of the past 5 memories already cover this topic
- If a recent memory exists on the same subject, IGNORE unless there's genuinely NEW information
- Don't create a memory just because the user mentioned something - only if it's important AND not already stored
- When in doubt, IGNORE. It's better to miss a memory than to spam duplicates.

MEMORY TYPES:
- user_preference: How the user wants things done
- user_fact: Who the user is (name, job, location, relationships, interests)
- conversation_context: Important ongoing topics, projects, or goals
- agent_procedure: What worked/failed for this agent
- error_handling: How to handle specific errors
- proactive_action: When to act without being asked

DECISIONS:
- CREATE_NOW: You have complete, valuable, NEW information not covered by recent memories
- WAIT: User started sharing something important but hasn't finished
- IGNORE: Nothing significant OR already covered by recent memories (this should be your most common decision)

OUTPUT (JSON):
{
  "reflection": "<brief reasoning, including why this isn't a duplicate>",
  "decision": "CREATE_NOW" | "WAIT" | "IGNORE",
  "memories": [  // only for CREATE_NOW
    {
      "content": "<clear, searchable description>",
      "memory_type": "<type>",
      "importance": <0.0-1.0>,
      "tags": ["<searchable>", "<terms>"],
      "scope": "shared" | "individual"
    }
  ],
  "topic": "<description>"  // only for WAIT
}

Write memory content as clear, standalone statements that will make sense months later without context.
You see the past 5 created memories - USE THEM to avoid duplicates.`
