// Package ingestion implements the document ingestion pipeline. It extracts
// pages from an upload, splits each page into sentence groups, validates and
// normalizes every chunk, prices the batch in estimated tokens, and stores
// the chunks in the vector store.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docstackhq/docqa-go/internal/chunk"
	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// Document identifies one upload and its scope.
type Document struct {
	// OwnerID is the tenant uploading the document. Required.
	OwnerID string

	// DocumentID identifies the document within the tenant. Required.
	DocumentID string

	// ConversationID ties the document to the conversation it was uploaded
	// in. Required.
	ConversationID string
}

// Result summarizes a completed ingestion.
type Result struct {
	// Chunks is the number of chunks stored.
	Chunks int

	// TokensUsed is the estimated token cost of embedding the chunks.
	TokensUsed int
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// SentencesPerChunk is the number of sentences grouped into one chunk.
	// Defaults to 5 if zero.
	SentencesPerChunk int

	// OverlapSentences is the number of sentences repeated between
	// consecutive chunks. Defaults to 0.
	OverlapSentences int
}

// Pipeline orchestrates the extract → split → validate → store flow for a
// single upload. A failed batch leaves nothing behind: chunks are validated
// up front and stored in one call.
type Pipeline struct {
	// store persists the validated chunks.
	store rag.ChunkStore

	// embedder prices the batch in estimated tokens.
	embedder rag.Embedder

	// extractor converts uploads into pages.
	extractor Extractor

	// splitter groups page text into sentence chunks.
	splitter *SentenceSplitter
}

// NewPipeline constructs a Pipeline from the provided dependencies and
// config. A nil extractor defaults to PlainTextExtractor.
func NewPipeline(store rag.ChunkStore, embedder rag.Embedder, extractor Extractor, cfg *Config) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if extractor == nil {
		extractor = PlainTextExtractor{}
	}
	if cfg == nil {
		cfg = &Config{}
	}
	return &Pipeline{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		splitter:  NewSentenceSplitter(cfg.SentencesPerChunk, cfg.OverlapSentences),
	}, nil
}

// Ingest extracts doc's pages from r and stores the resulting chunks. The
// first invalid chunk aborts the whole upload before anything is stored, so
// a document is either fully ingested or not at all.
func (p *Pipeline) Ingest(ctx context.Context, doc Document, r io.Reader) (*Result, error) {
	if doc.OwnerID == "" {
		return nil, rag.ErrOwnerRequired
	}
	if doc.DocumentID == "" {
		return nil, fmt.Errorf("ingestion: document id must not be empty")
	}
	if doc.ConversationID == "" {
		return nil, fmt.Errorf("ingestion: conversation id must not be empty")
	}

	pages, err := p.extractor.Extract(r)
	if err != nil {
		return nil, fmt.Errorf("ingestion: extract failed: %w", err)
	}

	chunks, tokens, err := p.buildChunks(doc, pages)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("ingestion: document %s has no usable content", doc.DocumentID)
	}

	if ok := p.store.Add(ctx, chunks); !ok {
		return nil, fmt.Errorf("ingestion: storing %d chunks for document %s owned by %s failed", len(chunks), doc.DocumentID, doc.OwnerID)
	}

	logging.FromContext(ctx).Info("ingestion: document stored",
		slog.String("owner_id", doc.OwnerID),
		slog.String("document_id", doc.DocumentID),
		slog.Int("pages", len(pages)),
		slog.Int("chunks", len(chunks)),
		slog.Int("tokens_used", tokens),
	)

	return &Result{Chunks: len(chunks), TokensUsed: tokens}, nil
}

// buildChunks splits every page into sentence groups and validates each as a
// chunk. Positions restart at 1 on every page.
func (p *Pipeline) buildChunks(doc Document, pages []Page) ([]chunk.Chunk, int, error) {
	var chunks []chunk.Chunk
	tokens := 0

	for _, page := range pages {
		for pos, text := range p.splitter.Split(page.Text) {
			c, err := chunk.New(text, chunk.Metadata{
				OwnerID:        doc.OwnerID,
				DocumentID:     doc.DocumentID,
				ConversationID: doc.ConversationID,
				PageNumber:     page.Number,
				PagePosition:   pos + 1,
			})
			if err != nil {
				return nil, 0, fmt.Errorf("ingestion: page %d chunk %d: %w", page.Number, pos+1, err)
			}
			chunks = append(chunks, c)
			tokens += p.embedder.EstimateTokens(c.Content)
		}
	}
	return chunks, tokens, nil
}
