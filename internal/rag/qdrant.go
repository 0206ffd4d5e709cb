package rag

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/docstackhq/docqa-go/internal/chunk"
	"github.com/docstackhq/docqa-go/internal/logging"
)

// Payload keys used for every stored point. The full chunk metadata is kept
// flat in the payload so exact-match filtering needs no secondary index.
const (
	payloadContent        = "content"
	payloadOwnerID        = "owner_id"
	payloadDocumentID     = "document_id"
	payloadConversationID = "conversation_id"
	payloadPageNumber     = "page_number"
	payloadPagePosition   = "position_in_page"
)

// defaultScrollLimit bounds a single Get scan. The bound is explicit and
// configurable rather than a silent truncation.
const defaultScrollLimit = 1024

// QdrantConfig holds connection parameters for the Qdrant chunk store.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this
	// collection. Must match the embedder's output dimension.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// ScrollLimit bounds a single Get scan (default: 1024).
	ScrollLimit int
}

// QdrantStore implements ChunkStore and CandidateSearcher backed by a Qdrant
// collection with cosine distance. A single long-lived instance is shared by
// all requests; the underlying gRPC client is safe for concurrent use.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// embedder converts chunk and query text to vectors.
	embedder Embedder

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a QdrantStore and ensures the target collection
// exists, creating it with the configured vector size and cosine distance
// if necessary.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig, embedder Embedder) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant: embedder must not be nil")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.ScrollLimit <= 0 {
		cfg.ScrollLimit = defaultScrollLimit
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, embedder: embedder, cfg: cfg}
	if err := store.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// EnsureCollection creates the configured collection if it does not already
// exist. Calling it against an existing collection is a no-op.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// DeleteCollection removes the configured collection. Deleting an absent
// collection is a no-op.
func (s *QdrantStore) DeleteCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, s.cfg.Collection); err != nil {
		return fmt.Errorf("qdrant: failed to delete collection %q: %w", s.cfg.Collection, err)
	}
	return nil
}

// CollectionExists reports whether the configured collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return false, fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	return exists, nil
}

// DescribeCollection returns the collection info, or nil (no error) when the
// collection does not exist.
func (s *QdrantStore) DescribeCollection(ctx context.Context) (*qdrant.CollectionInfo, error) {
	exists, err := s.CollectionExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to describe collection %q: %w", s.cfg.Collection, err)
	}
	return info, nil
}

// Add embeds each chunk's content and upserts vector plus payload. Each point
// is written atomically by Qdrant; the batch is one upsert call. Any failure
// is logged and reported as false so the ingestion pipeline can fail the
// whole upload.
func (s *QdrantStore) Add(ctx context.Context, chunks []chunk.Chunk) bool {
	if len(chunks) == 0 {
		return true
	}
	log := logging.FromContext(ctx)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		log.Warn("qdrant: embedding chunks failed", slog.Any("error", err))
		return false
	}
	if len(embeddings) != len(chunks) {
		log.Warn("qdrant: embedder returned wrong batch size",
			slog.Int("want", len(chunks)),
			slog.Int("got", len(embeddings)),
		)
		return false
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadContent:        c.Content,
				payloadOwnerID:        c.Metadata.OwnerID,
				payloadDocumentID:     c.Metadata.DocumentID,
				payloadConversationID: c.Metadata.ConversationID,
				payloadPageNumber:     int64(c.Metadata.PageNumber),
				payloadPagePosition:   int64(c.Metadata.PagePosition),
			}),
		})
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		log.Warn("qdrant: upsert failed", slog.Any("error", err))
		return false
	}

	return true
}

// Get returns all chunks matching the filter, ordered by
// (page_number, position_in_page). The scan is bounded by cfg.ScrollLimit.
func (s *QdrantStore) Get(ctx context.Context, f Filter) ([]chunk.Chunk, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.cfg.Collection,
		Filter:         s.filterConditions(f),
		Limit:          qdrant.PtrOf(uint32(s.cfg.ScrollLimit)), //nolint:gosec // limit is a small configured bound
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: scroll failed: %w", err)
	}

	chunks := make([]chunk.Chunk, 0, len(points))
	for _, p := range points {
		c, err := chunkFromPayload(p.Payload)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}

	sort.Slice(chunks, func(i, j int) bool {
		a, b := chunks[i].Metadata, chunks[j].Metadata
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		if a.PageNumber != b.PageNumber {
			return a.PageNumber < b.PageNumber
		}
		return a.PagePosition < b.PagePosition
	})

	return chunks, nil
}

// Delete removes every chunk matching the filter. Deleting a scope with no
// matching points succeeds without error.
func (s *QdrantStore) Delete(ctx context.Context, f Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(s.filterConditions(f)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// Search embeds query and returns up to k results by descending similarity,
// restricted to the filter. The sequence is lazy and single-use; the
// underlying search happens before the sequence is returned so errors
// surface to the caller, not mid-iteration.
func (s *QdrantStore) Search(ctx context.Context, query string, f Filter, k int) (iter.Seq2[chunk.Chunk, float32], error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("qdrant: search limit must be positive, got %d", k)
	}

	vec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	points, err := s.query(ctx, vec, f, uint64(k), false)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, 0, len(points))
	for _, p := range points {
		c, err := chunkFromPayload(p.Payload)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredChunk{Chunk: c, Score: p.Score})
	}

	return scoredSeq(results), nil
}

// scoredSeq wraps already-fetched results in a lazy sequence honoring early
// termination.
func scoredSeq(results []ScoredChunk) iter.Seq2[chunk.Chunk, float32] {
	return func(yield func(chunk.Chunk, float32) bool) {
		for _, r := range results {
			if !yield(r.Chunk, r.Score) {
				return
			}
		}
	}
}

// SearchCandidates returns up to limit candidates with their stored vectors,
// ordered by descending similarity. Used by the diversity re-ranker.
func (s *QdrantStore) SearchCandidates(ctx context.Context, queryVector []float32, f Filter, limit int) ([]Candidate, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("qdrant: candidate limit must be positive, got %d", limit)
	}

	points, err := s.query(ctx, queryVector, f, uint64(limit), true)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(points))
	for _, p := range points {
		c, err := chunkFromPayload(p.Payload)
		if err != nil {
			return nil, err
		}
		cands = append(cands, Candidate{
			Chunk:  c,
			Score:  p.Score,
			Vector: p.Vectors.GetVector().GetData(),
		})
	}
	return cands, nil
}

// Ping checks Qdrant reachability via its native health check RPC.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Name returns the dependency label used in readiness responses.
func (s *QdrantStore) Name() string { return "qdrant" }

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// query runs a filtered nearest-neighbor search against the collection.
func (s *QdrantStore) query(ctx context.Context, vec []float32, f Filter, limit uint64, withVectors bool) ([]*qdrant.ScoredPoint, error) {
	req := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Filter:         s.filterConditions(f),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if withVectors {
		req.WithVectors = qdrant.NewWithVectors(true)
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}
	return points, nil
}

// embedQuery converts query text to a single vector via the embedding port.
func (s *QdrantStore) embedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("qdrant: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("qdrant: embedder returned empty result for query")
	}
	return embeddings[0], nil
}

// filterConditions translates a Filter into Qdrant must-match conditions.
// OwnerID has been validated as non-empty by the caller.
func (s *QdrantStore) filterConditions(f Filter) *qdrant.Filter {
	conds := []*qdrant.Condition{
		qdrant.NewMatch(payloadOwnerID, f.OwnerID),
	}
	if f.DocumentID != "" {
		conds = append(conds, qdrant.NewMatch(payloadDocumentID, f.DocumentID))
	}
	if f.ConversationID != "" {
		conds = append(conds, qdrant.NewMatch(payloadConversationID, f.ConversationID))
	}
	return &qdrant.Filter{Must: conds}
}

// chunkFromPayload reconstructs a chunk from a stored point payload.
func chunkFromPayload(payload map[string]*qdrant.Value) (chunk.Chunk, error) {
	if payload == nil {
		return chunk.Chunk{}, fmt.Errorf("qdrant: point has no payload")
	}
	c := chunk.Chunk{
		Content: payload[payloadContent].GetStringValue(),
		Metadata: chunk.Metadata{
			OwnerID:        payload[payloadOwnerID].GetStringValue(),
			DocumentID:     payload[payloadDocumentID].GetStringValue(),
			ConversationID: payload[payloadConversationID].GetStringValue(),
			PageNumber:     int(payload[payloadPageNumber].GetIntegerValue()),
			PagePosition:   int(payload[payloadPagePosition].GetIntegerValue()),
		},
	}
	if err := c.Metadata.Validate(); err != nil {
		return chunk.Chunk{}, fmt.Errorf("qdrant: stored point has malformed metadata: %w", err)
	}
	return c, nil
}
