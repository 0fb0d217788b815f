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
	"sort"
	"strings"
	"time"

	"github.com/nocturne-ai/nocturne/pkg/embedders"
	"github.com/nocturne-ai/nocturne/pkg/llms"
	"github.com/nocturne-ai/nocturne/pkg/memorystore"
	"github.com/nocturne-ai/nocturne/pkg/state"
)

// dedupSimilarityThreshold is the cosine similarity at or above which two
// retrieved memories are considered duplicates of each other.
const dedupSimilarityThreshold = 0.85

// RetrieverConfig configures the memory retriever.
type RetrieverConfig struct {
	AgentName       string
	Enabled         bool
	RunEveryNTurns  int
	ContextMessages int
	MaxIterations   int
}

// Retriever surfaces 1-2 directly relevant memories that were not already
// provided recently. It iterates with the LLM: the model asks for searches,
// reviews results, and either hands over memory IDs or gives up.
type Retriever struct {
	cfg      RetrieverConfig
	llm      llms.Provider
	store    *memorystore.Store
	embedder embedders.EmbedderProvider
	log      *slog.Logger
}

// NewRetriever builds a memory retriever.
func NewRetriever(cfg RetrieverConfig, llm llms.Provider, store *memorystore.Store, embedder embedders.EmbedderProvider, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RunEveryNTurns < 1 {
		cfg.RunEveryNTurns = 1
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 10
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	return &Retriever{cfg: cfg, llm: llm, store: store, embedder: embedder, log: log}
}

// ShouldRun gates the module on turn cadence.
func (r *Retriever) ShouldRun(turnNumber int) bool {
	return r.cfg.Enabled && turnNumber%r.cfg.RunEveryNTurns == 0
}

// retrieverDecision is the parsed module output.
type retrieverDecision struct {
	Reflection string            `json:"reflection"`
	Decision   string            `json:"decision"`
	Queries    []json.RawMessage `json:"queries"`
	MemoryIDs  []string          `json:"memory_ids"`
}

// searchQuery is one query, either a bare string or a filtered form.
type searchQuery struct {
	Text    string
	Filters queryFilters
}

type queryFilters struct {
	MemoryType    string   `json:"memory_type"`
	MinImportance *float64 `json:"min_importance"`
	CreatedAfter  string   `json:"created_after"`
	CreatedBefore string   `json:"created_before"`
	Tags          []string `json:"tags"`
}

// Run executes the iterative retrieval loop and returns the selected
// memories, already deduplicated and marked provided. Failures and
// exhaustion return an empty list; the transcript is never touched here.
func (r *Retriever) Run(ctx context.Context, messages []state.Message) []*memorystore.Memory {
	recent := lastN(userAssistantOnly(messages), r.cfg.ContextMessages)

	pastProvided := r.pastProvided(ctx)

	var contextParts []string
	contextParts = append(contextParts, "# Recent Conversation\n\n"+formatMessages(recent))
	if len(pastProvided) > 0 {
		var sb strings.Builder
		sb.WriteString("# Past 10 Provided Memories (DO NOT re-provide these)\n")
		for _, mem := range pastProvided {
			fmt.Fprintf(&sb, "- [ID: %s] [%s] %s\n", mem.ID, mem.MemoryType, mem.Content)
		}
		contextParts = append(contextParts, sb.String())
	}

	// found accumulates the union of search results across iterations; the
	// final GIVE_MEMORIES selection is restricted to it.
	found := make(map[string]*memorystore.Memory)

	systemPrompt := fmt.Sprintf(retrieverSystemPrompt, r.cfg.MaxIterations)

	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		raw, err := r.llm.GenerateWithSystem(ctx, systemPrompt, strings.Join(contextParts, "\n\n"))
		if err != nil {
			r.log.Error("memory retriever LLM call failed", "error", err)
			return nil
		}

		decision, err := parseRetrieverDecision(raw)
		if err != nil {
			r.log.Warn("memory retriever response unparsable, treating as IGNORE", "error", err)
			return nil
		}

		switch decision.Decision {
		case "GET_MEMORIES":
			queries := parseQueries(decision.Queries)
			if len(queries) == 0 || len(queries) > 5 {
				r.log.Warn("invalid query count, treating as IGNORE", "count", len(queries))
				return nil
			}

			r.log.Info("memory retriever: GET_MEMORIES",
				"iteration", iteration, "queries", len(queries))

			results := r.search(ctx, queries)
			for _, mem := range results {
				if _, seen := found[mem.ID]; !seen {
					found[mem.ID] = mem
				}
			}

			contextParts = append(contextParts,
				fmt.Sprintf("# Search Results (Iteration %d)\n\n%s", iteration, formatMemoriesForContext(results)))

		case "GIVE_MEMORIES":
			selected := make([]*memorystore.Memory, 0, len(decision.MemoryIDs))
			for _, id := range decision.MemoryIDs {
				if mem, ok := found[id]; ok {
					selected = append(selected, mem)
				}
			}

			selected = r.deduplicate(ctx, selected)

			r.log.Info("memory retriever: GIVE_MEMORIES", "count", len(selected))

			ids := make([]string, 0, len(selected))
			for _, mem := range selected {
				ids = append(ids, mem.ID)
			}
			r.store.MarkProvided(ctx, ids)

			return selected

		default:
			r.log.Debug("memory retriever: IGNORE")
			return nil
		}
	}

	r.log.Warn("memory retriever reached max iterations without GIVE_MEMORIES")
	return nil
}

// search embeds each query and unions the per-query top-3 results by ID.
func (r *Retriever) search(ctx context.Context, queries []searchQuery) []*memorystore.Memory {
	var all []*memorystore.Memory
	seen := make(map[string]bool)

	for _, q := range queries {
		if q.Text == "" {
			continue
		}

		vector, err := r.embedder.EmbedQuery(ctx, q.Text)
		if err != nil {
			r.log.Error("failed to embed query", "query", q.Text, "error", err)
			continue
		}

		params := memorystore.SearchParams{
			QueryVector: vector,
			Limit:       3,
		}
		if memorystore.ValidMemoryType(q.Filters.MemoryType) {
			params.MemoryType = memorystore.MemoryType(q.Filters.MemoryType)
		}
		params.MinImportance = q.Filters.MinImportance
		if t, err := time.Parse(time.RFC3339, q.Filters.CreatedAfter); err == nil {
			params.CreatedAfter = &t
		}
		if t, err := time.Parse(time.RFC3339, q.Filters.CreatedBefore); err == nil {
			params.CreatedBefore = &t
		}
		params.Tags = q.Filters.Tags

		results, err := r.store.Search(ctx, params)
		if err != nil {
			r.log.Error("memory search failed", "query", q.Text, "error", err)
			continue
		}

		for _, mem := range results {
			if !seen[mem.ID] {
				seen[mem.ID] = true
				all = append(all, mem)
			}
		}
	}

	r.log.Debug("memory search complete", "queries", len(queries), "unique", len(all))
	return all
}

// deduplicate clusters memories by embedding cosine similarity >= 0.85 and
// keeps one representative per cluster, preferring higher importance and
// then newer creation time.
func (r *Retriever) deduplicate(ctx context.Context, memories []*memorystore.Memory) []*memorystore.Memory {
	if len(memories) <= 1 {
		return memories
	}

	embeddings := make([][]float32, len(memories))
	for i, mem := range memories {
		vector, err := r.embedder.EmbedQuery(ctx, mem.Content)
		if err != nil {
			r.log.Warn("dedup embedding failed, returning memories unfiltered", "error", err)
			return memories
		}
		embeddings[i] = vector
	}

	used := make([]bool, len(memories))
	var deduplicated []*memorystore.Memory

	for i := range memories {
		if used[i] {
			continue
		}
		cluster := []*memorystore.Memory{memories[i]}
		used[i] = true

		for j := i + 1; j < len(memories); j++ {
			if used[j] {
				continue
			}
			if cosineSimilarity(embeddings[i], embeddings[j]) >= dedupSimilarityThreshold {
				cluster = append(cluster, memories[j])
				used[j] = true
			}
		}

		sort.SliceStable(cluster, func(a, b int) bool {
			if cluster[a].Importance != cluster[b].Importance {
				return cluster[a].Importance > cluster[b].Importance
			}
			return cluster[a].CreatedAt.After(cluster[b].CreatedAt)
		})
		deduplicated = append(deduplicated, cluster[0])
	}

	if len(deduplicated) < len(memories) {
		r.log.Info("deduplicated retrieved memories",
			"from", len(memories), "to", len(deduplicated))
	}
	return deduplicated
}

// pastProvided returns the 10 most recently accessed memories, a proxy for
// recently provided.
func (r *Retriever) pastProvided(ctx context.Context) []*memorystore.Memory {
	memories, err := r.store.Search(ctx, memorystore.SearchParams{
		Limit:  10,
		SortBy: memorystore.SortByLastAccessedAt,
	})
	if err != nil {
		r.log.Warn("failed to fetch past provided memories", "error", err)
		return nil
	}
	return memories
}

func formatMemoriesForContext(memories []*memorystore.Memory) string {
	if len(memories) == 0 {
		return "No memories found."
	}
	parts := make([]string, 0, len(memories))
	for _, mem := range memories {
		parts = append(parts, fmt.Sprintf(
			"ID: %s\nType: %s\nContent: %s\nImportance: %g\nTags: %s",
			mem.ID, mem.MemoryType, mem.Content, mem.Importance, strings.Join(mem.Tags, ", ")))
	}
	return strings.Join(parts, "\n\n")
}

func parseRetrieverDecision(raw string) (*retrieverDecision, error) {
	var decision retrieverDecision
	if err := json.Unmarshal([]byte(stripFences(raw)), &decision); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}
	switch decision.Decision {
	case "GET_MEMORIES", "GIVE_MEMORIES", "IGNORE":
		return &decision, nil
	case "":
		return nil, fmt.Errorf("missing 'decision' field")
	default:
		return nil, fmt.Errorf("invalid decision: %q", decision.Decision)
	}
}

// parseQueries accepts both bare-string and {text, filters} query forms.
func parseQueries(raw []json.RawMessage) []searchQuery {
	var queries []searchQuery
	for _, item := range raw {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			queries = append(queries, searchQuery{Text: text})
			continue
		}

		var structured struct {
			Text    string       `json:"text"`
			Filters queryFilters `json:"filters"`
		}
		if err := json.Unmarshal(item, &structured); err == nil && structured.Text != "" {
			queries = append(queries, searchQuery{Text: structured.Text, Filters: structured.Filters})
		}
	}
	return queries
}

const retrieverSystemPrompt = `You are the agent's subconscious memory system. Your job is to surface relevant memories that would help the current conversation.

SEARCH when the user:
- Asks about themselves (identity, name, preferences, facts about them)
- References past conversations or decisions
- Asks questions that would benefit from personalization
- Needs context from previous interactions

IGNORE when:
- It's a purely factual/informational request unrelated to the user personally
- The conversation already has all needed context
- The memories you would provide are already in the "Past 10 Provided Memories" list
- The topic hasn't changed significantly since the last retrieval

CRITICAL RULES:
1. ONLY return 1-2 memories maximum. Never more than 2.
2. NEVER return similar/redundant memories - if multiple memories say the same thing, pick only the BEST one.
3. Check the "Past 10 Provided Memories" list - DO NOT re-provide any of them.
4. If all relevant memories were already provided recently, return IGNORE.
5. Quality over quantity - one perfect memory is better than multiple redundant ones.

PROCESS (max %d iterations):
1. Generate focused search queries (1-3) for user identity, preferences, or relevant context
2. Optionally add filters to narrow results (time range, memory type, importance)
3. Review results and FILTER OUT duplicates/similar memories - keep only the best version
4. Select AT MOST 1-2 memories that are relevant AND not recently provided

DECISIONS:
- GET_MEMORIES: Search needed -> provide 1-3 focused queries with optional filters
- GIVE_MEMORIES: Found 1-2 relevant memories NOT recently provided -> provide memory IDs
- IGNORE: No memories needed OR all relevant memories already provided recently

OUTPUT (JSON):
{
  "reflection": "<brief reasoning, note if you're filtering out similar memories>",
  "decision": "GET_MEMORIES" | "GIVE_MEMORIES" | "IGNORE",
  "queries": [
    "simple text query",
    {
      "text": "query with filters",
      "filters": {
        "memory_type": "user_preference",
        "min_importance": 0.7,
        "created_after": "2024-01-01T00:00:00Z",
        "created_before": "2024-12-31T23:59:59Z",
        "tags": ["tag1", "tag2"]
      }
    }
  ],
  "memory_ids": ["<uuid>"]
}

FILTER EXAMPLES:
- User asks "what did I tell you last week?" -> use created_after/created_before for last 7 days
- User asks about preferences -> use memory_type: "user_preference"
- User asks about important things -> use min_importance: 0.7

REMEMBER: Maximum 1-2 memories. Never return similar/duplicate memories. One perfect memory beats multiple redundant ones.`
