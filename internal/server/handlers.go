package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docstackhq/docqa-go/internal/chunk"
	"github.com/docstackhq/docqa-go/internal/ingestion"
	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/qa"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// maxUploadBytes bounds the in-memory portion of a multipart upload; larger
// files spill to temp files via the multipart reader.
const maxUploadBytes = 32 << 20

// handleAsk handles POST /api/ask: it runs the full QA pipeline for one
// question and returns the answer with its source chunks.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AskTimeout)
	defer cancel()

	s.metrics.askInFlight.Inc()
	defer s.metrics.askInFlight.Dec()

	answer, err := s.asker.Ask(ctx, qa.Request{
		OwnerID:              req.OwnerID,
		ConversationID:       req.ConversationID,
		DocumentID:           req.DocumentID,
		UseConversationScope: req.ConversationScope,
		Question:             req.Question,
	})
	if err != nil {
		outcome := "error"
		status := statusForError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			status = http.StatusGatewayTimeout
		}
		s.metrics.askRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.askDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		logging.FromContext(r.Context()).Error("ask failed", slog.Any("error", err))
		writeError(w, status, err.Error())
		return
	}

	s.metrics.askRequestsTotal.WithLabelValues("ok").Inc()
	s.metrics.askDurationSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	resp := askResponse{
		Question: answer.Question,
		Answer:   answer.Text,
		Sources:  make([]sourceJSON, 0, len(answer.Sources)),
	}
	for _, src := range answer.Sources {
		resp.Sources = append(resp.Sources, sourceJSON{
			Content:      src.Chunk.Content,
			DocumentID:   src.Chunk.Metadata.DocumentID,
			PageNumber:   src.Chunk.Metadata.PageNumber,
			PagePosition: src.Chunk.Metadata.PagePosition,
			Score:        src.Score,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearch handles POST /api/search: a raw similarity search over stored
// chunks, bypassing the QA pipeline and its diversity re-ranking.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f := rag.Filter{
		OwnerID:        req.OwnerID,
		DocumentID:     req.DocumentID,
		ConversationID: req.ConversationID,
	}
	if err := f.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	k := req.K
	if k <= 0 {
		k = rag.DefaultK
	}

	results, err := s.store.Search(r.Context(), req.Query, f, k)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp := searchResponse{Query: req.Query, Results: []searchResultJSON{}}
	for c, score := range results {
		resp.Results = append(resp.Results, searchResultJSON{
			Content:        c.Content,
			DocumentID:     c.Metadata.DocumentID,
			ConversationID: c.Metadata.ConversationID,
			PageNumber:     c.Metadata.PageNumber,
			PagePosition:   c.Metadata.PagePosition,
			Score:          score,
		})
	}
	resp.Count = len(resp.Results)
	writeJSON(w, http.StatusOK, resp)
}

// handleUpload handles POST /api/upload: a multipart form with a "file" part
// and owner_id/conversation_id fields. document_id is generated when absent.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	doc := ingestion.Document{
		OwnerID:        r.FormValue("owner_id"),
		DocumentID:     r.FormValue("document_id"),
		ConversationID: r.FormValue("conversation_id"),
	}
	if doc.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if doc.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if doc.DocumentID == "" {
		doc.DocumentID = uuid.NewString()
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	result, err := s.ingester.Ingest(r.Context(), doc, file)
	if err != nil {
		status := statusForError(err)
		outcome := "error"
		if status == http.StatusBadRequest {
			outcome = "rejected"
		}
		s.metrics.ingestDocumentsTotal.WithLabelValues(outcome).Inc()
		logging.FromContext(r.Context()).Error("upload failed",
			slog.String("document_id", doc.DocumentID),
			slog.Any("error", err),
		)
		writeError(w, status, err.Error())
		return
	}

	s.metrics.ingestDocumentsTotal.WithLabelValues("ok").Inc()
	s.metrics.ingestChunksTotal.Add(float64(result.Chunks))
	s.metrics.ingestTokensTotal.Add(float64(result.TokensUsed))

	writeJSON(w, http.StatusCreated, uploadResponse{
		DocumentID: doc.DocumentID,
		Chunks:     result.Chunks,
		TokensUsed: result.TokensUsed,
	})
}

// handleChunksGet handles GET /api/chunks: it lists stored chunks matching
// the owner_id/document_id/conversation_id query parameters.
func (s *Server) handleChunksGet(w http.ResponseWriter, r *http.Request) {
	f, ok := filterFromQuery(w, r)
	if !ok {
		return
	}

	chunks, err := s.store.Get(r.Context(), f)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	resp := chunksResponse{Count: len(chunks), Chunks: make([]chunkJSON, 0, len(chunks))}
	for _, c := range chunks {
		resp.Chunks = append(resp.Chunks, chunkJSON{
			Content:        c.Content,
			OwnerID:        c.Metadata.OwnerID,
			DocumentID:     c.Metadata.DocumentID,
			ConversationID: c.Metadata.ConversationID,
			PageNumber:     c.Metadata.PageNumber,
			PagePosition:   c.Metadata.PagePosition,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChunksDelete handles DELETE /api/chunks: it removes every chunk
// matching the query filter.
func (s *Server) handleChunksDelete(w http.ResponseWriter, r *http.Request) {
	f, ok := filterFromQuery(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), f); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleCollectionGet handles GET /api/collection.
func (s *Server) handleCollectionGet(w http.ResponseWriter, r *http.Request) {
	if s.collections == nil {
		writeError(w, http.StatusNotImplemented, "collection management not enabled")
		return
	}
	exists, err := s.collections.CollectionExists(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, collectionResponse{Exists: exists})
}

// handleCollectionCreate handles PUT /api/collection. Creating a collection
// that already exists is a no-op.
func (s *Server) handleCollectionCreate(w http.ResponseWriter, r *http.Request) {
	if s.collections == nil {
		writeError(w, http.StatusNotImplemented, "collection management not enabled")
		return
	}
	if err := s.collections.EnsureCollection(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, collectionResponse{Exists: true})
}

// handleCollectionDelete handles DELETE /api/collection. This drops every
// stored chunk for every tenant.
func (s *Server) handleCollectionDelete(w http.ResponseWriter, r *http.Request) {
	if s.collections == nil {
		writeError(w, http.StatusNotImplemented, "collection management not enabled")
		return
	}
	if err := s.collections.DeleteCollection(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, collectionResponse{Exists: false})
}

// filterFromQuery builds a rag.Filter from the request's query parameters.
// It writes a 400 and returns ok=false when owner_id is missing.
func filterFromQuery(w http.ResponseWriter, r *http.Request) (rag.Filter, bool) {
	q := r.URL.Query()
	f := rag.Filter{
		OwnerID:        q.Get("owner_id"),
		DocumentID:     q.Get("document_id"),
		ConversationID: q.Get("conversation_id"),
	}
	if err := f.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return rag.Filter{}, false
	}
	return f, true
}

// statusForError maps pipeline errors to HTTP status codes: validation
// failures become 400, everything else 500.
func statusForError(err error) int {
	if chunk.IsValidationError(err) || errors.Is(err, rag.ErrOwnerRequired) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the standard JSON error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
