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

package memorystore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nocturne-ai/nocturne/pkg/databases"
)

// memoryFields lists the properties fetched on every query.
var memoryFields = []string{
	"content", "memory_type", "scope", "agent_id", "session_id",
	"related_event_types", "related_tools", "related_memory_ids", "tags",
	"importance", "confidence", "source",
	"created_at", "updated_at", "expires_at",
	"access_count", "last_accessed_at", "success_count", "failure_count",
}

var memoryProperties = []databases.Property{
	{Name: "content", DataType: "text"},
	{Name: "memory_type", DataType: "text"},
	{Name: "scope", DataType: "text"},
	{Name: "agent_id", DataType: "text"},
	{Name: "session_id", DataType: "text"},
	{Name: "related_event_types", DataType: "text[]"},
	{Name: "related_tools", DataType: "text[]"},
	{Name: "related_memory_ids", DataType: "text[]"},
	{Name: "tags", DataType: "text[]"},
	{Name: "importance", DataType: "number"},
	{Name: "confidence", DataType: "number"},
	{Name: "source", DataType: "text"},
	{Name: "created_at", DataType: "date"},
	{Name: "updated_at", DataType: "date"},
	{Name: "expires_at", DataType: "date"},
	{Name: "access_count", DataType: "int"},
	{Name: "last_accessed_at", DataType: "date"},
	{Name: "success_count", DataType: "int"},
	{Name: "failure_count", DataType: "int"},
}

// SortField selects the ordering for non-vector searches.
type SortField string

const (
	SortByCreatedAt      SortField = "created_at"
	SortByLastAccessedAt SortField = "last_accessed_at"
)

// SearchParams describes one memory search. When QueryVector is set,
// results are ranked by cosine similarity and all filters apply
// conjunctively; otherwise results are ordered by SortBy.
type SearchParams struct {
	QueryVector   []float32
	MemoryType    MemoryType
	Scope         Scope
	AgentID       string
	SessionID     string
	Tags          []string
	MinImportance *float64
	MinConfidence *float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time
	Limit         int
	SortBy        SortField
	SortAscending bool
}

// CreateParams describes a memory to persist.
type CreateParams struct {
	Content           string
	MemoryType        MemoryType
	Scope             Scope
	AgentID           string
	SessionID         string
	RelatedEventTypes []string
	RelatedTools      []string
	RelatedMemoryIDs  []string
	Tags              []string
	Importance        float64
	Confidence        float64
	Source            Source
	ExpiresAt         *time.Time
}

// UpdateParams is a patch for an existing memory. Nil fields are left
// untouched.
type UpdateParams struct {
	Content          *string
	Tags             []string
	Importance       *float64
	Confidence       *float64
	RelatedMemoryIDs []string
	SuccessCount     *int
	FailureCount     *int
}

// Store is the typed memory interface over the vector database.
type Store struct {
	db  *databases.WeaviateClient
	log *slog.Logger
	now func() time.Time
}

// NewStore creates a memory store over the given Weaviate client.
func NewStore(db *databases.WeaviateClient, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, now: time.Now}
}

// EnsureSchema idempotently creates the Memory collection.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.db.EnsureClass(ctx, Collection, memoryProperties)
}

// Create persists a new memory with its embedding and returns the UUID.
func (s *Store) Create(ctx context.Context, p CreateParams, vector []float32) (string, error) {
	if len(vector) != VectorDimensions {
		return "", fmt.Errorf("memory vector must have %d dimensions, got %d", VectorDimensions, len(vector))
	}
	if p.Content == "" {
		return "", fmt.Errorf("memory content is required")
	}
	if !ValidMemoryType(string(p.MemoryType)) {
		return "", fmt.Errorf("invalid memory type: %q", p.MemoryType)
	}
	if p.Scope == "" {
		p.Scope = ScopeShared
	}
	if p.Source == "" {
		p.Source = SourceAgentLearning
	}

	id := uuid.New().String()
	now := s.now().UTC().Format(time.RFC3339)

	properties := map[string]any{
		"content":             p.Content,
		"memory_type":         string(p.MemoryType),
		"scope":               string(p.Scope),
		"agent_id":            p.AgentID,
		"session_id":          p.SessionID,
		"related_event_types": orEmpty(p.RelatedEventTypes),
		"related_tools":       orEmpty(p.RelatedTools),
		"related_memory_ids":  orEmpty(p.RelatedMemoryIDs),
		"tags":                orEmpty(p.Tags),
		"importance":          clamp01(p.Importance),
		"confidence":          clamp01(p.Confidence),
		"source":              string(p.Source),
		"created_at":          now,
		"updated_at":          now,
		"access_count":        0,
		"last_accessed_at":    now,
		"success_count":       0,
		"failure_count":       0,
	}
	if p.ExpiresAt != nil {
		properties["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339)
	}

	if err := s.db.Insert(ctx, Collection, id, properties, vector); err != nil {
		return "", fmt.Errorf("failed to create memory: %w", err)
	}

	s.log.Info("created memory", "id", id, "type", p.MemoryType, "scope", p.Scope)
	return id, nil
}

// Search queries memories by vector similarity and/or filters.
func (s *Store) Search(ctx context.Context, p SearchParams) ([]*Memory, error) {
	if p.QueryVector != nil && len(p.QueryVector) != VectorDimensions {
		return nil, fmt.Errorf("query vector must have %d dimensions, got %d", VectorDimensions, len(p.QueryVector))
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}

	spec := databases.QuerySpec{
		Class:      Collection,
		Fields:     memoryFields,
		NearVector: p.QueryVector,
		Where:      buildWhere(p),
		Limit:      limit,
	}

	if p.QueryVector == nil {
		sortBy := p.SortBy
		if sortBy == "" {
			sortBy = SortByCreatedAt
		}
		spec.Sort = &databases.SortSpec{Path: string(sortBy), Ascending: p.SortAscending}
	}

	objects, err := s.db.Query(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}

	memories := make([]*Memory, 0, len(objects))
	for i := range objects {
		memories = append(memories, memoryFromObject(&objects[i]))
	}
	return memories, nil
}

// Get fetches one memory by ID and bumps its access counters best-effort.
// Returns (nil, nil) when the memory does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	obj, err := s.db.Get(ctx, Collection, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory %s: %w", id, err)
	}
	if obj == nil {
		return nil, nil
	}

	mem := memoryFromObject(obj)
	s.bumpAccess(ctx, id, mem.AccessCount)
	return mem, nil
}

// Update patches a memory. When content changes the caller must supply the
// re-embedded vector.
func (s *Store) Update(ctx context.Context, id string, p UpdateParams, vector []float32) error {
	if p.Content != nil && vector == nil {
		return fmt.Errorf("updating content requires a re-embedded vector")
	}
	if vector != nil && len(vector) != VectorDimensions {
		return fmt.Errorf("memory vector must have %d dimensions, got %d", VectorDimensions, len(vector))
	}

	updates := map[string]any{
		"updated_at": s.now().UTC().Format(time.RFC3339),
	}
	if p.Content != nil {
		updates["content"] = *p.Content
	}
	if p.Tags != nil {
		updates["tags"] = p.Tags
	}
	if p.Importance != nil {
		updates["importance"] = clamp01(*p.Importance)
	}
	if p.Confidence != nil {
		updates["confidence"] = clamp01(*p.Confidence)
	}
	if p.RelatedMemoryIDs != nil {
		updates["related_memory_ids"] = p.RelatedMemoryIDs
	}
	if p.SuccessCount != nil {
		updates["success_count"] = *p.SuccessCount
	}
	if p.FailureCount != nil {
		updates["failure_count"] = *p.FailureCount
	}

	if err := s.db.Patch(ctx, Collection, id, updates, vector); err != nil {
		return fmt.Errorf("failed to update memory %s: %w", id, err)
	}
	return nil
}

// Delete removes a memory.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, Collection, id); err != nil {
		return fmt.Errorf("failed to delete memory %s: %w", id, err)
	}
	return nil
}

// MarkProvided bumps last_accessed_at and access_count for memories that
// were explicitly handed to the agent. Distinct from Get: this records the
// handoff, not an internal lookup.
func (s *Store) MarkProvided(ctx context.Context, ids []string) {
	for _, id := range ids {
		obj, err := s.db.Get(ctx, Collection, id, false)
		if err != nil || obj == nil {
			s.log.Warn("could not mark memory provided", "id", id, "error", err)
			continue
		}
		count := intProp(obj.Properties, "access_count")
		s.bumpAccess(ctx, id, count)
	}
	if len(ids) > 0 {
		s.log.Debug("marked memories provided", "count", len(ids))
	}
}

// bumpAccess is best-effort: failures are logged and swallowed.
func (s *Store) bumpAccess(ctx context.Context, id string, currentCount int) {
	err := s.db.Patch(ctx, Collection, id, map[string]any{
		"access_count":     currentCount + 1,
		"last_accessed_at": s.now().UTC().Format(time.RFC3339),
	}, nil)
	if err != nil {
		s.log.Warn("failed to bump access count", "id", id, "error", err)
	}
}

func buildWhere(p SearchParams) map[string]any {
	var operands []map[string]any

	eq := func(path, value string) map[string]any {
		return map[string]any{"path": []string{path}, "operator": "Equal", "valueText": value}
	}

	if p.MemoryType != "" {
		operands = append(operands, eq("memory_type", string(p.MemoryType)))
	}
	if p.Scope != "" {
		operands = append(operands, eq("scope", string(p.Scope)))
	}
	if p.AgentID != "" {
		operands = append(operands, eq("agent_id", p.AgentID))
	}
	if p.SessionID != "" {
		operands = append(operands, eq("session_id", p.SessionID))
	}
	if len(p.Tags) > 0 {
		operands = append(operands, map[string]any{
			"path": []string{"tags"}, "operator": "ContainsAny", "valueTextArray": p.Tags,
		})
	}
	if p.MinImportance != nil {
		operands = append(operands, map[string]any{
			"path": []string{"importance"}, "operator": "GreaterThanEqual", "valueNumber": *p.MinImportance,
		})
	}
	if p.MinConfidence != nil {
		operands = append(operands, map[string]any{
			"path": []string{"confidence"}, "operator": "GreaterThanEqual", "valueNumber": *p.MinConfidence,
		})
	}

	date := func(path, op string, t time.Time) map[string]any {
		return map[string]any{
			"path": []string{path}, "operator": op, "valueDate": t.UTC().Format(time.RFC3339),
		}
	}
	if p.CreatedAfter != nil {
		operands = append(operands, date("created_at", "GreaterThan", *p.CreatedAfter))
	}
	if p.CreatedBefore != nil {
		operands = append(operands, date("created_at", "LessThan", *p.CreatedBefore))
	}
	if p.UpdatedAfter != nil {
		operands = append(operands, date("updated_at", "GreaterThan", *p.UpdatedAfter))
	}
	if p.UpdatedBefore != nil {
		operands = append(operands, date("updated_at", "LessThan", *p.UpdatedBefore))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return map[string]any{"operator": "And", "operands": operands}
	}
}

func memoryFromObject(obj *databases.Object) *Memory {
	props := obj.Properties
	mem := &Memory{
		ID:                obj.ID,
		Content:           strProp(props, "content"),
		MemoryType:        MemoryType(strProp(props, "memory_type")),
		Scope:             Scope(strProp(props, "scope")),
		AgentID:           strProp(props, "agent_id"),
		SessionID:         strProp(props, "session_id"),
		RelatedEventTypes: strSliceProp(props, "related_event_types"),
		RelatedTools:      strSliceProp(props, "related_tools"),
		RelatedMemoryIDs:  strSliceProp(props, "related_memory_ids"),
		Tags:              strSliceProp(props, "tags"),
		Importance:        floatProp(props, "importance"),
		Confidence:        floatProp(props, "confidence"),
		Source:            Source(strProp(props, "source")),
		CreatedAt:         timeProp(props, "created_at"),
		UpdatedAt:         timeProp(props, "updated_at"),
		AccessCount:       intProp(props, "access_count"),
		LastAccessedAt:    timeProp(props, "last_accessed_at"),
		SuccessCount:      intProp(props, "success_count"),
		FailureCount:      intProp(props, "failure_count"),
		SearchScore:       obj.Certainty,
		Embedding:         obj.Vector,
	}
	if t := timeProp(props, "expires_at"); !t.IsZero() {
		mem.ExpiresAt = &t
	}
	return mem
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func strProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func floatProp(props map[string]any, key string) float64 {
	f, _ := props[key].(float64)
	return f
}

func intProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func strSliceProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func timeProp(props map[string]any, key string) time.Time {
	s, ok := props[key].(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
