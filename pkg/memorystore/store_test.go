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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne-ai/nocturne/pkg/databases"
)

// fakeWeaviate captures inserted objects and serves canned query results.
type fakeWeaviate struct {
	mux      *http.ServeMux
	inserted []map[string]any
	patched  []map[string]any
	queries  []string
	results  []map[string]any
	objects  map[string]map[string]any
}

func newFakeWeaviate() *fakeWeaviate {
	f := &fakeWeaviate{
		mux:     http.NewServeMux(),
		objects: make(map[string]map[string]any),
	}

	f.mux.HandleFunc("/v1/schema/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	})
	f.mux.HandleFunc("/v1/objects", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		f.inserted = append(f.inserted, payload)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("{}"))
	})
	f.mux.HandleFunc("/v1/objects/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		switch r.Method {
		case http.MethodGet:
			obj, ok := f.objects[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"id": id, "properties": obj})
		case http.MethodPatch:
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			payload["_id"] = id
			f.patched = append(f.patched, payload)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	f.mux.HandleFunc("/v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		f.queries = append(f.queries, payload.Query)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"Get": map[string]any{
					"Memory": f.results,
				},
			},
		})
	})

	return f
}

func newTestStore(t *testing.T) (*Store, *fakeWeaviate) {
	t.Helper()
	fake := newFakeWeaviate()
	server := httptest.NewServer(fake.mux)
	t.Cleanup(server.Close)

	client, err := databases.NewWeaviateClient(databases.WeaviateConfig{BaseURL: server.URL})
	require.NoError(t, err)
	return NewStore(client, nil), fake
}

func testVector() []float32 {
	v := make([]float32, VectorDimensions)
	for i := range v {
		v[i] = 0.01
	}
	return v
}

func TestCreateValidatesVectorDimensions(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Create(context.Background(), CreateParams{
		Content:    "user likes tea",
		MemoryType: TypeUserPreference,
	}, make([]float32, 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "768")
}

func TestCreateClampsScoresAndDefaults(t *testing.T) {
	store, fake := newTestStore(t)

	id, err := store.Create(context.Background(), CreateParams{
		Content:    "user likes tea",
		MemoryType: TypeUserPreference,
		AgentID:    "weather_agent",
		Importance: 1.7,
		Confidence: -0.2,
		Source:     SourceProactiveAgent,
	}, testVector())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, fake.inserted, 1)
	props := fake.inserted[0]["properties"].(map[string]any)
	assert.Equal(t, 1.0, props["importance"])
	assert.Equal(t, 0.0, props["confidence"])
	assert.Equal(t, "shared", props["scope"])
	assert.Equal(t, "proactive_agent", props["source"])
	assert.Equal(t, float64(0), props["access_count"])

	vector := fake.inserted[0]["vector"].([]any)
	assert.Len(t, vector, VectorDimensions)
}

func TestCreateRejectsInvalidType(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Create(context.Background(), CreateParams{
		Content:    "something",
		MemoryType: "nonsense_type",
	}, testVector())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid memory type")
}

func TestSearchBuildsConjunctiveFilters(t *testing.T) {
	store, fake := newTestStore(t)

	minImportance := 0.7
	_, err := store.Search(context.Background(), SearchParams{
		QueryVector:   testVector(),
		MemoryType:    TypeUserFact,
		AgentID:       "weather_agent",
		MinImportance: &minImportance,
		Tags:          []string{"identity"},
		Limit:         3,
	})
	require.NoError(t, err)

	require.Len(t, fake.queries, 1)
	query := fake.queries[0]
	assert.Contains(t, query, "nearVector")
	assert.Contains(t, query, "operator: And")
	assert.Contains(t, query, `"memory_type"`)
	assert.Contains(t, query, "GreaterThanEqual")
	assert.Contains(t, query, "ContainsAny")
	assert.Contains(t, query, "limit: 3")
}

func TestSearchWithoutVectorSorts(t *testing.T) {
	store, fake := newTestStore(t)

	_, err := store.Search(context.Background(), SearchParams{
		Limit:  10,
		SortBy: SortByLastAccessedAt,
	})
	require.NoError(t, err)

	require.Len(t, fake.queries, 1)
	assert.Contains(t, fake.queries[0], `sort: [{path: ["last_accessed_at"], order: desc}]`)
	assert.NotContains(t, fake.queries[0], "nearVector")
}

func TestSearchParsesResults(t *testing.T) {
	store, fake := newTestStore(t)
	fake.results = []map[string]any{{
		"_additional": map[string]any{"id": "mem-1", "certainty": 0.93},
		"content":     "User's name is Ada",
		"memory_type": "user_fact",
		"scope":       "shared",
		"importance":  0.9,
		"confidence":  1.0,
		"created_at":  "2024-05-01T10:00:00Z",
		"tags":        []any{"identity"},
	}}

	memories, err := store.Search(context.Background(), SearchParams{QueryVector: testVector()})
	require.NoError(t, err)
	require.Len(t, memories, 1)

	mem := memories[0]
	assert.Equal(t, "mem-1", mem.ID)
	assert.Equal(t, "User's name is Ada", mem.Content)
	assert.Equal(t, TypeUserFact, mem.MemoryType)
	assert.Equal(t, 0.9, mem.Importance)
	assert.InDelta(t, 0.93, mem.SearchScore, 1e-9)
	assert.Equal(t, []string{"identity"}, mem.Tags)
	assert.Equal(t, 2024, mem.CreatedAt.Year())
}

func TestMarkProvidedBumpsAccess(t *testing.T) {
	store, fake := newTestStore(t)
	fake.objects["mem-1"] = map[string]any{"access_count": float64(4)}
	fake.objects["mem-2"] = map[string]any{"access_count": float64(0)}

	store.MarkProvided(context.Background(), []string{"mem-1", "mem-2"})

	require.Len(t, fake.patched, 2)
	props := fake.patched[0]["properties"].(map[string]any)
	assert.Equal(t, float64(5), props["access_count"])
	assert.NotEmpty(t, props["last_accessed_at"])
}

func TestUpdateContentRequiresVector(t *testing.T) {
	store, _ := newTestStore(t)

	content := "new content"
	err := store.Update(context.Background(), "mem-1", UpdateParams{Content: &content}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "re-embedded vector")
}
