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

package embedders

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	geminiEmbeddingModel = "text-embedding-004"
	embeddingDimensions  = 768

	// Task-type prefixes baked into the embedded text. The stored corpus
	// was built with these markers, so every new vector must carry them
	// too or similarity scores drift.
	documentPrefix = "search_document: "
	queryPrefix    = "search_query: "
)

// GeminiEmbedder implements EmbedderProvider using the Gemini embedding
// API with 768-dimensional output.
type GeminiEmbedder struct {
	client *genai.Client
}

// NewGeminiEmbedder creates an embedder from an API key.
func NewGeminiEmbedder(ctx context.Context, apiKey string) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiEmbedder{client: client}, nil
}

// EmbedMemory embeds memory content for storage.
func (e *GeminiEmbedder) EmbedMemory(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, documentPrefix+text, "RETRIEVAL_DOCUMENT")
}

// EmbedQuery embeds a search query.
func (e *GeminiEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return e.embed(ctx, queryPrefix+query, "RETRIEVAL_QUERY")
}

// Dimensions returns 768.
func (e *GeminiEmbedder) Dimensions() int {
	return embeddingDimensions
}

func (e *GeminiEmbedder) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	contents := []*genai.Content{
		{Parts: []*genai.Part{{Text: text}}},
	}

	resp, err := e.client.Models.EmbedContent(ctx, geminiEmbeddingModel, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: genai.Ptr[int32](embeddingDimensions),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("empty response from embedding API")
	}

	vector := resp.Embeddings[0].Values
	if len(vector) != embeddingDimensions {
		return nil, fmt.Errorf("expected %d dimensions, got %d", embeddingDimensions, len(vector))
	}

	return vector, nil
}
