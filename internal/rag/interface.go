// Package rag implements the retrieval side of the document QA pipeline:
// the chunk store backed by a vector index, tenant-scoped filters, and the
// diversity-aware retriever. External concerns (embedding vectors, the index
// server itself) are reached through narrow interfaces so the QA layer never
// depends on a specific backend.
package rag

import (
	"context"
	"iter"

	"github.com/docstackhq/docqa-go/internal/chunk"
)

// ScoredChunk pairs a retrieved chunk with the relevance score assigned by
// the vector search, higher meaning more relevant.
type ScoredChunk struct {
	// Chunk is the retrieved chunk.
	Chunk chunk.Chunk

	// Score is the cosine similarity between the query and the chunk.
	Score float32
}

// Embedder is the interface for converting text into dense vector embeddings
// and estimating token usage for telemetry.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EstimateTokens returns an approximate token count for text, used for
	// the per-upload usage counter. Estimates, not exact tokenizer output.
	EstimateTokens(text string) int
}

// ChunkStore is the interface for persisting and querying chunks in the
// vector index. Every operation is scoped by the supplied Filter; OwnerID is
// mandatory on all user-facing paths.
// Implementations must be safe to call from multiple goroutines.
type ChunkStore interface {
	// Add embeds each chunk's content and writes vector plus payload to the
	// index. It reports success as a boolean rather than an error so batch
	// ingestion can decide how to fail the overall request; the underlying
	// cause is logged.
	Add(ctx context.Context, chunks []chunk.Chunk) bool

	// Get returns all chunks matching the filter exactly, ordered by
	// (page_number, position_in_page). The scan is bounded by the store's
	// configured page size.
	Get(ctx context.Context, f Filter) ([]chunk.Chunk, error)

	// Delete removes every chunk matching the filter. Deleting an empty
	// scope is not an error.
	Delete(ctx context.Context, f Filter) error

	// Search embeds query and returns up to k results ordered by descending
	// relevance, restricted to the filter. The returned sequence is lazy and
	// single-use.
	Search(ctx context.Context, query string, f Filter, k int) (iter.Seq2[chunk.Chunk, float32], error)
}

// Candidate is a search hit carrying its stored vector, used by the
// diversity re-ranker to measure redundancy between results.
type Candidate struct {
	// Chunk is the retrieved chunk.
	Chunk chunk.Chunk

	// Score is the cosine similarity between the query and the chunk.
	Score float32

	// Vector is the chunk's stored embedding.
	Vector []float32
}

// CandidateSearcher performs a raw filtered nearest-neighbor search returning
// candidates with vectors. It is the low-level primitive the ScopedRetriever
// builds both ranking modes on.
type CandidateSearcher interface {
	// SearchCandidates returns up to limit candidates nearest to queryVector
	// within the filter, ordered by descending similarity.
	SearchCandidates(ctx context.Context, queryVector []float32, f Filter, limit int) ([]Candidate, error)
}

// Retriever is the high-level interface the QA orchestrator uses to fetch
// context chunks for a query. The tenant scope is fixed at construction.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns the context chunks for query, ordered by retrieval rank.
	Retrieve(ctx context.Context, query string) ([]ScoredChunk, error)
}
