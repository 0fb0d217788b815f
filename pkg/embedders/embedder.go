// Package embedders provides embedding provider implementations for the
// memory system.
package embedders

import "context"

// EmbedderProvider generates embedding vectors for memory storage and
// retrieval. Document and query embeddings use distinct task framings so
// the two sides of the retrieval pair line up.
type EmbedderProvider interface {
	// EmbedMemory embeds text for storage.
	EmbedMemory(ctx context.Context, text string) ([]float32, error)

	// EmbedQuery embeds text for searching.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// Dimensions returns the vector dimensionality this provider emits.
	Dimensions() int
}
