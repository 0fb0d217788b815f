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

// Package databases provides the vector database client used by the memory
// store. Weaviate is accessed over its REST and GraphQL APIs directly.
package databases

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WeaviateConfig configures the Weaviate client.
type WeaviateConfig struct {
	// BaseURL is the full Weaviate base URL (e.g. http://weaviate:8080).
	BaseURL string

	// APIKey for authenticated access (optional).
	APIKey string

	// Timeout for HTTP requests (default 30s).
	Timeout time.Duration
}

// WeaviateClient is a thin typed client over Weaviate's HTTP APIs.
type WeaviateClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewWeaviateClient creates a client from config.
func NewWeaviateClient(cfg WeaviateConfig) (*WeaviateClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for Weaviate")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WeaviateClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Property describes one class property for schema creation.
type Property struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
}

// Object is a stored Weaviate object.
type Object struct {
	ID         string
	Properties map[string]any
	Vector     []float32
	// Certainty is populated on vector searches (cosine-derived, 0..1).
	Certainty float64
}

// SortSpec orders non-vector queries by a property.
type SortSpec struct {
	Path      string
	Ascending bool
}

// QuerySpec describes one GraphQL Get query against a class.
type QuerySpec struct {
	Class      string
	Fields     []string
	NearVector []float32
	Where      map[string]any
	Sort       *SortSpec
	Limit      int
}

func (c *WeaviateClient) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return c.httpClient.Do(req)
}

// EnsureClass creates the class if it does not exist. The class is created
// with vectorizer "none" because callers supply their own vectors.
func (c *WeaviateClient) EnsureClass(ctx context.Context, class string, properties []Property) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/schema/"+class, nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}

	schema := map[string]any{
		"class":      class,
		"vectorizer": "none",
		"properties": properties,
	}

	resp, err = c.do(ctx, http.MethodPost, "/v1/schema", schema)
	if err != nil {
		return fmt.Errorf("failed to create class %s: %w", class, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		// Racing creators are fine: a second create of the same class 422s.
		if resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(string(body), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create class %s: status %d, body: %s", class, resp.StatusCode, string(body))
	}
	return nil
}

// Insert stores an object with its vector under the given ID.
func (c *WeaviateClient) Insert(ctx context.Context, class, id string, properties map[string]any, vector []float32) error {
	payload := map[string]any{
		"id":         id,
		"class":      class,
		"properties": properties,
		"vector":     vector,
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/objects", payload)
	if err != nil {
		return fmt.Errorf("failed to insert object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to insert object: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Get fetches one object by ID. Returns (nil, nil) when the object does not
// exist.
func (c *WeaviateClient) Get(ctx context.Context, class, id string, includeVector bool) (*Object, error) {
	path := fmt.Sprintf("/v1/objects/%s/%s", class, id)
	if includeVector {
		path += "?include=vector"
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to get object: status %d, body: %s", resp.StatusCode, string(body))
	}

	var raw struct {
		ID         string         `json:"id"`
		Properties map[string]any `json:"properties"`
		Vector     []float32      `json:"vector"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}

	return &Object{ID: raw.ID, Properties: raw.Properties, Vector: raw.Vector}, nil
}

// Patch merges properties into an existing object, optionally replacing its
// vector.
func (c *WeaviateClient) Patch(ctx context.Context, class, id string, properties map[string]any, vector []float32) error {
	payload := map[string]any{
		"id":         id,
		"class":      class,
		"properties": properties,
	}
	if vector != nil {
		payload["vector"] = vector
	}

	resp, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/v1/objects/%s/%s", class, id), payload)
	if err != nil {
		return fmt.Errorf("failed to patch object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to patch object: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Delete removes an object by ID.
func (c *WeaviateClient) Delete(ctx context.Context, class, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/objects/%s/%s", class, id), nil)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to delete object: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Query executes a GraphQL Get query built from the spec. Vector queries
// rank by similarity; non-vector queries honor the sort spec.
func (c *WeaviateClient) Query(ctx context.Context, spec QuerySpec) ([]Object, error) {
	query := buildGraphQLQuery(spec)

	resp, err := c.do(ctx, http.MethodPost, "/v1/graphql", map[string]any{"query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("query failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data   map[string]map[string][]map[string]any `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query failed: %s", result.Errors[0].Message)
	}

	get, ok := result.Data["Get"]
	if !ok {
		return nil, nil
	}
	rows := get[spec.Class]

	objects := make([]Object, 0, len(rows))
	for _, row := range rows {
		obj := Object{Properties: make(map[string]any, len(row))}

		if additional, ok := row["_additional"].(map[string]any); ok {
			if id, ok := additional["id"].(string); ok {
				obj.ID = id
			}
			if certainty, ok := additional["certainty"].(float64); ok {
				obj.Certainty = certainty
			} else if distance, ok := additional["distance"].(float64); ok {
				obj.Certainty = 1.0 - distance
			}
			if vec, ok := additional["vector"].([]any); ok {
				obj.Vector = make([]float32, 0, len(vec))
				for _, v := range vec {
					if f, ok := v.(float64); ok {
						obj.Vector = append(obj.Vector, float32(f))
					}
				}
			}
		}

		for k, v := range row {
			if k != "_additional" {
				obj.Properties[k] = v
			}
		}

		objects = append(objects, obj)
	}

	return objects, nil
}

// buildGraphQLQuery renders the query spec as a GraphQL document. Operand
// values are embedded as JSON, which is valid GraphQL for the scalar types
// Weaviate filters accept.
func buildGraphQLQuery(spec QuerySpec) string {
	var args []string

	if len(spec.NearVector) > 0 {
		vec, _ := json.Marshal(spec.NearVector)
		args = append(args, fmt.Sprintf("nearVector: {vector: %s}", vec))
	}

	if len(spec.Where) > 0 {
		args = append(args, "where: "+renderWhere(spec.Where))
	}

	if spec.Sort != nil && len(spec.NearVector) == 0 {
		order := "desc"
		if spec.Sort.Ascending {
			order = "asc"
		}
		args = append(args, fmt.Sprintf("sort: [{path: [%q], order: %s}]", spec.Sort.Path, order))
	}

	if spec.Limit > 0 {
		args = append(args, fmt.Sprintf("limit: %d", spec.Limit))
	}

	additional := "_additional { id certainty distance }"
	if len(spec.NearVector) > 0 {
		additional = "_additional { id certainty distance vector }"
	}

	argList := ""
	if len(args) > 0 {
		argList = "(" + strings.Join(args, ", ") + ")"
	}

	return fmt.Sprintf(`{
  Get {
    %s%s {
      %s
      %s
    }
  }
}`, spec.Class, argList, strings.Join(spec.Fields, "\n      "), additional)
}

// renderWhere converts a filter tree into GraphQL object syntax, where keys
// are unquoted and enum-valued fields (operator) are unquoted.
func renderWhere(where map[string]any) string {
	var sb strings.Builder
	sb.WriteString("{")
	first := true
	for _, key := range []string{"operator", "path", "operands", "valueString", "valueText", "valueNumber", "valueInt", "valueDate", "valueBoolean", "valueStringArray", "valueTextArray"} {
		v, ok := where[key]
		if !ok {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(key)
		sb.WriteString(": ")
		switch key {
		case "operator":
			sb.WriteString(fmt.Sprintf("%v", v))
		case "operands":
			operands, _ := v.([]map[string]any)
			parts := make([]string, 0, len(operands))
			for _, op := range operands {
				parts = append(parts, renderWhere(op))
			}
			sb.WriteString("[" + strings.Join(parts, ", ") + "]")
		default:
			data, _ := json.Marshal(v)
			sb.Write(data)
		}
	}
	sb.WriteString("}")
	return sb.String()
}
