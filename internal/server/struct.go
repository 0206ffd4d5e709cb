package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docstackhq/docqa-go/internal/ingestion"
	"github.com/docstackhq/docqa-go/internal/qa"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	// Must cover a full LLM round trip for POST /api/ask.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AskTimeout bounds a single POST /api/ask request, covering the
	// reformulation and answer LLM calls plus retrieval.
	AskTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's Prometheus metrics. Defaults to
	// prometheus.DefaultRegisterer. Tests inject a fresh registry here.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs the GET /metrics endpoint. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// asker is the interface handleAsk calls to answer a question.
// *qa.Pipeline satisfies it; tests inject a fake.
type asker interface {
	// Ask answers req through the full retrieval pipeline.
	Ask(ctx context.Context, req qa.Request) (*qa.Answer, error)
}

// ingester is the interface handleUpload calls to chunk and store a document.
// *ingestion.Pipeline satisfies it; tests inject a fake.
type ingester interface {
	// Ingest extracts, splits, and stores the document read from r.
	Ingest(ctx context.Context, doc ingestion.Document, r io.Reader) (*ingestion.Result, error)
}

// collectionAdmin is the interface behind the /api/collection management
// endpoints. *rag.QdrantStore satisfies it; tests inject a fake.
type collectionAdmin interface {
	// EnsureCollection creates the vector collection if it does not exist.
	EnsureCollection(ctx context.Context) error
	// DeleteCollection drops the vector collection and all chunks in it.
	DeleteCollection(ctx context.Context) error
	// CollectionExists reports whether the vector collection exists.
	CollectionExists(ctx context.Context) (bool, error)
}

// Server is the HTTP server that exposes the document QA pipeline.
type Server struct {
	// asker answers questions; set to the qa pipeline in production.
	asker asker
	// ingester stores uploaded documents; set to the ingestion pipeline
	// in production.
	ingester ingester
	// store serves the chunk read and delete endpoints.
	store rag.ChunkStore
	// collections serves the collection management endpoints. May be nil;
	// the /api/collection routes then return 501.
	collections collectionAdmin
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// OwnerID is the tenant asking the question.
	OwnerID string `json:"owner_id"`
	// ConversationID selects the conversation thread.
	ConversationID string `json:"conversation_id"`
	// DocumentID optionally narrows retrieval to a single document.
	DocumentID string `json:"document_id,omitempty"`
	// ConversationScope restricts retrieval to chunks uploaded within
	// this conversation.
	ConversationScope bool `json:"conversation_scope,omitempty"`
	// Question is the user's natural language question.
	Question string `json:"question"`
}

// sourceJSON is one retrieved chunk in an ask response.
type sourceJSON struct {
	// Content is the chunk text the answer was grounded in.
	Content string `json:"content"`
	// DocumentID identifies the source document.
	DocumentID string `json:"document_id"`
	// PageNumber is the 1-based page the chunk came from.
	PageNumber int `json:"page_number"`
	// PagePosition is the 1-based position of the chunk within its page.
	PagePosition int `json:"position_in_page"`
	// Score is the similarity between the question and the chunk.
	Score float32 `json:"score"`
}

// askResponse is the JSON response for POST /api/ask.
type askResponse struct {
	// Question is the question as asked.
	Question string `json:"question"`
	// Answer is the generated (or fallback) answer text.
	Answer string `json:"answer"`
	// Sources are the chunks the answer is grounded in, in retrieval order.
	// Empty when the fallback answer was returned.
	Sources []sourceJSON `json:"sources"`
}

// searchRequest is the JSON body for POST /api/search.
type searchRequest struct {
	// OwnerID is the tenant whose chunks are searched.
	OwnerID string `json:"owner_id"`
	// DocumentID optionally narrows the search to a single document.
	DocumentID string `json:"document_id,omitempty"`
	// ConversationID optionally narrows the search to one conversation.
	ConversationID string `json:"conversation_id,omitempty"`
	// Query is the natural language search text.
	Query string `json:"query"`
	// K is the maximum number of results. Defaults to rag.DefaultK.
	K int `json:"k,omitempty"`
}

// searchResultJSON is one scored chunk in a search response.
type searchResultJSON struct {
	// Content is the chunk text.
	Content string `json:"content"`
	// DocumentID identifies the source document.
	DocumentID string `json:"document_id"`
	// ConversationID links the chunk to its upload conversation.
	ConversationID string `json:"conversation_id"`
	// PageNumber is the 1-based page the chunk came from.
	PageNumber int `json:"page_number"`
	// PagePosition is the 1-based position of the chunk within its page.
	PagePosition int `json:"position_in_page"`
	// Score is the similarity between the query and the chunk.
	Score float32 `json:"score"`
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	// Query is the search text as submitted.
	Query string `json:"query"`
	// Count is the number of results returned.
	Count int `json:"count"`
	// Results are the matching chunks by descending similarity.
	Results []searchResultJSON `json:"results"`
}

// uploadResponse is the JSON response for POST /api/upload.
type uploadResponse struct {
	// DocumentID identifies the stored document; generated when the client
	// did not supply one.
	DocumentID string `json:"document_id"`
	// Chunks is the number of chunks stored.
	Chunks int `json:"chunks"`
	// TokensUsed is the estimated embedding token cost of the upload.
	TokensUsed int `json:"tokens_used"`
}

// chunkJSON is one stored chunk in a chunks listing.
type chunkJSON struct {
	// Content is the chunk text.
	Content string `json:"content"`
	// OwnerID is the tenant that owns the chunk.
	OwnerID string `json:"owner_id"`
	// DocumentID identifies the source document.
	DocumentID string `json:"document_id"`
	// ConversationID links the chunk to its upload conversation.
	ConversationID string `json:"conversation_id"`
	// PageNumber is the 1-based page the chunk came from.
	PageNumber int `json:"page_number"`
	// PagePosition is the 1-based position of the chunk within its page.
	PagePosition int `json:"position_in_page"`
}

// chunksResponse is the JSON response for GET /api/chunks.
type chunksResponse struct {
	// Count is the number of chunks returned.
	Count int `json:"count"`
	// Chunks are the matching chunks in document page order.
	Chunks []chunkJSON `json:"chunks"`
}

// collectionResponse is the JSON response for the /api/collection endpoints.
type collectionResponse struct {
	// Exists reports whether the vector collection currently exists.
	Exists bool `json:"exists"`
}

// errorResponse is the JSON error envelope returned by all handlers.
type errorResponse struct {
	// Error is the human-readable failure reason.
	Error string `json:"error"`
}
