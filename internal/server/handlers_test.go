package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docstackhq/docqa-go/internal/chunk"
	"github.com/docstackhq/docqa-go/internal/ingestion"
	"github.com/docstackhq/docqa-go/internal/qa"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeAsker implements the asker interface for tests.
type fakeAsker struct {
	// answer is returned on success.
	answer *qa.Answer
	// err is returned instead when non-nil.
	err error
	// got records the last request passed to Ask.
	got qa.Request
}

func (f *fakeAsker) Ask(_ context.Context, req qa.Request) (*qa.Answer, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.answer, nil
}

// fakeIngester implements the ingester interface for tests.
type fakeIngester struct {
	// result is returned on success.
	result *ingestion.Result
	// err is returned instead when non-nil.
	err error
	// gotDoc records the last document passed to Ingest.
	gotDoc ingestion.Document
	// gotBody records the uploaded file content.
	gotBody []byte
}

func (f *fakeIngester) Ingest(_ context.Context, doc ingestion.Document, r io.Reader) (*ingestion.Result, error) {
	f.gotDoc = doc
	f.gotBody, _ = io.ReadAll(r)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeChunkStore implements rag.ChunkStore for tests.
type fakeChunkStore struct {
	// chunks is returned from Get.
	chunks []chunk.Chunk
	// getErr is returned from Get when non-nil.
	getErr error
	// deleteErr is returned from Delete when non-nil.
	deleteErr error
	// deleted records filters passed to Delete.
	deleted []rag.Filter
	// gotFilter records the last filter passed to Get.
	gotFilter rag.Filter
	// scored is yielded from Search by descending score.
	scored []rag.ScoredChunk
	// searchErr is returned from Search when non-nil.
	searchErr error
	// gotQuery, gotSearchFilter, and gotK record the last Search call.
	gotQuery        string
	gotSearchFilter rag.Filter
	gotK            int
}

func (f *fakeChunkStore) Add(_ context.Context, _ []chunk.Chunk) bool { return true }

func (f *fakeChunkStore) Get(_ context.Context, filter rag.Filter) ([]chunk.Chunk, error) {
	f.gotFilter = filter
	return f.chunks, f.getErr
}

func (f *fakeChunkStore) Delete(_ context.Context, filter rag.Filter) error {
	f.deleted = append(f.deleted, filter)
	return f.deleteErr
}

func (f *fakeChunkStore) Search(_ context.Context, query string, filter rag.Filter, k int) (iter.Seq2[chunk.Chunk, float32], error) {
	f.gotQuery = query
	f.gotSearchFilter = filter
	f.gotK = k
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	results := f.scored
	if len(results) > k {
		results = results[:k]
	}
	return func(yield func(chunk.Chunk, float32) bool) {
		for _, r := range results {
			if !yield(r.Chunk, r.Score) {
				return
			}
		}
	}, nil
}

// fakeCollections implements the collectionAdmin interface for tests.
type fakeCollections struct {
	exists  bool
	err     error
	ensured bool
	dropped bool
}

func (f *fakeCollections) EnsureCollection(_ context.Context) error {
	f.ensured = true
	return f.err
}

func (f *fakeCollections) DeleteCollection(_ context.Context) error {
	f.dropped = true
	return f.err
}

func (f *fakeCollections) CollectionExists(_ context.Context) (bool, error) {
	return f.exists, f.err
}

// newTestServer builds a *Server with a fresh isolated metrics registry.
func newTestServer() *Server {
	return &Server{
		cfg:     &Config{AskTimeout: time.Minute},
		log:     slog.Default(),
		metrics: newServerMetrics(prometheus.NewRegistry()),
	}
}

// testSource builds a retrieved chunk for ask response tests.
func testSource(content string, page, pos int, score float32) rag.ScoredChunk {
	return rag.ScoredChunk{
		Chunk: chunk.Chunk{
			Content: content,
			Metadata: chunk.Metadata{
				OwnerID:        "owner-1",
				DocumentID:     "doc-1",
				ConversationID: "conv-1",
				PageNumber:     page,
				PagePosition:   pos,
			},
		},
		Score: score,
	}
}

// ---------------------------------------------------------------------------
// POST /api/ask
// ---------------------------------------------------------------------------

func TestHandleAsk_InvalidJSON(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader("not-json"))
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleAsk_MissingFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"missing owner", `{"conversation_id":"c1","question":"what is a lease?"}`},
		{"missing conversation", `{"owner_id":"o1","question":"what is a lease?"}`},
		{"blank question", `{"owner_id":"o1","conversation_id":"c1","question":"   "}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := newTestServer()
			req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(tc.body))
			w := httptest.NewRecorder()

			s.handleAsk(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d — body: %s", w.Code, w.Body.String())
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode error envelope: %v", err)
			}
			if resp.Error == "" {
				t.Error("expected non-empty error field")
			}
		})
	}
}

func TestHandleAsk_Success(t *testing.T) {
	t.Parallel()

	fa := &fakeAsker{answer: &qa.Answer{
		Question: "What are the lease termination terms?",
		Text:     "The lease terminates after 12 months.",
		Sources:  []rag.ScoredChunk{testSource("termination clause text goes here", 3, 2, 0.91)},
	}}
	s := newTestServer()
	s.asker = fa

	body := `{"owner_id":"o1","conversation_id":"c1","document_id":"doc-1","conversation_scope":true,"question":"And the termination terms?"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}

	if fa.got.OwnerID != "o1" || fa.got.ConversationID != "c1" {
		t.Errorf("tenant fields not forwarded: %+v", fa.got)
	}
	if fa.got.DocumentID != "doc-1" {
		t.Errorf("document_id not forwarded: %q", fa.got.DocumentID)
	}
	if !fa.got.UseConversationScope {
		t.Error("conversation_scope not forwarded")
	}

	var resp askResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "The lease terminates after 12 months." {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
	if resp.Question != "What are the lease termination terms?" {
		t.Errorf("pipeline question not echoed, got %q", resp.Question)
	}
	if len(resp.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(resp.Sources))
	}
	src := resp.Sources[0]
	if src.DocumentID != "doc-1" || src.PageNumber != 3 || src.PagePosition != 2 {
		t.Errorf("source position wrong: %+v", src)
	}
	if src.Score != 0.91 {
		t.Errorf("expected score 0.91, got %v", src.Score)
	}
}

func TestHandleAsk_PipelineError(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.asker = &fakeAsker{err: errors.New("generate failed")}

	body := `{"owner_id":"o1","conversation_id":"c1","question":"anything"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestHandleAsk_ValidationErrorMapsTo400(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.asker = &fakeAsker{err: rag.ErrOwnerRequired}

	body := `{"owner_id":"o1","conversation_id":"c1","question":"anything"}`
	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleAsk(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/search
// ---------------------------------------------------------------------------

func TestHandleSearch_Success(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{scored: []rag.ScoredChunk{
		testSource("the notice period is thirty days", 1, 1, 0.93),
		testSource("notice must be given in writing", 2, 1, 0.88),
		testSource("the deposit is refundable", 4, 2, 0.71),
	}}
	s := newTestServer()
	s.store = store

	body := `{"owner_id":"o1","document_id":"doc-1","query":"notice period","k":2}`
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleSearch(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if store.gotQuery != "notice period" || store.gotK != 2 {
		t.Errorf("search call not forwarded: query=%q k=%d", store.gotQuery, store.gotK)
	}
	if store.gotSearchFilter.OwnerID != "o1" || store.gotSearchFilter.DocumentID != "doc-1" {
		t.Errorf("scope not forwarded: %+v", store.gotSearchFilter)
	}

	var resp searchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got count=%d len=%d", resp.Count, len(resp.Results))
	}
	if resp.Results[0].Score < resp.Results[1].Score {
		t.Errorf("results not in descending score order: %v, %v", resp.Results[0].Score, resp.Results[1].Score)
	}
	if resp.Results[0].Content != "the notice period is thirty days" {
		t.Errorf("unexpected top result: %q", resp.Results[0].Content)
	}
	if resp.Results[0].PageNumber != 1 || resp.Results[0].PagePosition != 1 {
		t.Errorf("chunk position wrong: %+v", resp.Results[0])
	}
}

func TestHandleSearch_DefaultLimit(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{}
	s := newTestServer()
	s.store = store

	body := `{"owner_id":"o1","query":"deposit"}`
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleSearch(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if store.gotK != rag.DefaultK {
		t.Errorf("expected default limit %d, got %d", rag.DefaultK, store.gotK)
	}
	var resp searchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 0 || resp.Results == nil {
		t.Errorf("empty search must return an empty result list, got %+v", resp)
	}
}

func TestHandleSearch_BadRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "not-json"},
		{"missing owner", `{"query":"notice period"}`},
		{"blank query", `{"owner_id":"o1","query":"   "}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeChunkStore{}
			s := newTestServer()
			s.store = store

			req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(tc.body))
			w := httptest.NewRecorder()

			s.handleSearch(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d — body: %s", w.Code, w.Body.String())
			}
			if store.gotQuery != "" {
				t.Errorf("store must not be searched on a rejected request, got %q", store.gotQuery)
			}
		})
	}
}

func TestHandleSearch_StoreError(t *testing.T) {
	t.Parallel()

	store := &fakeChunkStore{searchErr: errors.New("qdrant: search failed: unavailable")}
	s := newTestServer()
	s.store = store

	body := `{"owner_id":"o1","query":"notice period"}`
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.handleSearch(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/upload
// ---------------------------------------------------------------------------

// multipartUpload builds a multipart request body with the given form fields
// and one "file" part containing content.
func multipartUpload(t *testing.T, fields map[string]string, content string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %q: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("file", "lease.txt")
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHandleUpload_Success(t *testing.T) {
	t.Parallel()

	fi := &fakeIngester{result: &ingestion.Result{Chunks: 7, TokensUsed: 420}}
	s := newTestServer()
	s.ingester = fi

	body, contentType := multipartUpload(t, map[string]string{
		"owner_id":        "o1",
		"conversation_id": "c1",
		"document_id":     "doc-9",
	}, "The tenant shall pay rent on the first of each month.")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	s.handleUpload(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d — body: %s", w.Code, w.Body.String())
	}
	if fi.gotDoc.OwnerID != "o1" || fi.gotDoc.ConversationID != "c1" || fi.gotDoc.DocumentID != "doc-9" {
		t.Errorf("document fields not forwarded: %+v", fi.gotDoc)
	}
	if !strings.Contains(string(fi.gotBody), "pay rent") {
		t.Errorf("file content not forwarded: %q", fi.gotBody)
	}

	var resp uploadResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DocumentID != "doc-9" || resp.Chunks != 7 || resp.TokensUsed != 420 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleUpload_GeneratesDocumentID(t *testing.T) {
	t.Parallel()

	fi := &fakeIngester{result: &ingestion.Result{Chunks: 1}}
	s := newTestServer()
	s.ingester = fi

	body, contentType := multipartUpload(t, map[string]string{
		"owner_id":        "o1",
		"conversation_id": "c1",
	}, "Some document content that is long enough.")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	s.handleUpload(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp uploadResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DocumentID == "" {
		t.Error("expected a generated document_id")
	}
	if fi.gotDoc.DocumentID != resp.DocumentID {
		t.Errorf("response document_id %q does not match ingested %q", resp.DocumentID, fi.gotDoc.DocumentID)
	}
}

func TestHandleUpload_MissingOwner(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.ingester = &fakeIngester{}

	body, contentType := multipartUpload(t, map[string]string{
		"conversation_id": "c1",
	}, "content")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	s.handleUpload(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleUpload_InvalidChunkMapsTo400(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.ingester = &fakeIngester{err: chunk.ErrInvalidContent}

	body, contentType := multipartUpload(t, map[string]string{
		"owner_id":        "o1",
		"conversation_id": "c1",
	}, "short")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	s.handleUpload(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for chunk validation error, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// GET and DELETE /api/chunks
// ---------------------------------------------------------------------------

func TestHandleChunksGet_MissingOwner(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.store = &fakeChunkStore{}

	req := httptest.NewRequest(http.MethodGet, "/api/chunks?document_id=d1", nil)
	w := httptest.NewRecorder()

	s.handleChunksGet(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without owner_id, got %d", w.Code)
	}
}

func TestHandleChunksGet_ReturnsChunks(t *testing.T) {
	t.Parallel()

	fs := &fakeChunkStore{chunks: []chunk.Chunk{
		testSource("first chunk content here", 1, 1, 0).Chunk,
		testSource("second chunk content here", 1, 2, 0).Chunk,
	}}
	s := newTestServer()
	s.store = fs

	req := httptest.NewRequest(http.MethodGet, "/api/chunks?owner_id=owner-1&document_id=doc-1", nil)
	w := httptest.NewRecorder()

	s.handleChunksGet(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if fs.gotFilter.OwnerID != "owner-1" || fs.gotFilter.DocumentID != "doc-1" {
		t.Errorf("filter not forwarded: %+v", fs.gotFilter)
	}

	var resp chunksResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got count=%d len=%d", resp.Count, len(resp.Chunks))
	}
	if resp.Chunks[1].PagePosition != 2 {
		t.Errorf("expected position 2, got %d", resp.Chunks[1].PagePosition)
	}
}

func TestHandleChunksDelete(t *testing.T) {
	t.Parallel()

	fs := &fakeChunkStore{}
	s := newTestServer()
	s.store = fs

	req := httptest.NewRequest(http.MethodDelete, "/api/chunks?owner_id=owner-1&conversation_id=conv-1", nil)
	w := httptest.NewRecorder()

	s.handleChunksDelete(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}
	if len(fs.deleted) != 1 {
		t.Fatalf("expected 1 delete call, got %d", len(fs.deleted))
	}
	if fs.deleted[0].OwnerID != "owner-1" || fs.deleted[0].ConversationID != "conv-1" {
		t.Errorf("delete filter wrong: %+v", fs.deleted[0])
	}
}

// ---------------------------------------------------------------------------
// /api/collection
// ---------------------------------------------------------------------------

func TestHandleCollection_NotEnabled(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/collection", nil)
	w := httptest.NewRecorder()

	s.handleCollectionGet(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 with no collection admin, got %d", w.Code)
	}
}

func TestHandleCollection_GetExists(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	s.collections = &fakeCollections{exists: true}

	req := httptest.NewRequest(http.MethodGet, "/api/collection", nil)
	w := httptest.NewRecorder()

	s.handleCollectionGet(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp collectionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Exists {
		t.Error("expected exists:true")
	}
}

func TestHandleCollection_CreateAndDelete(t *testing.T) {
	t.Parallel()

	fc := &fakeCollections{}
	s := newTestServer()
	s.collections = fc

	req := httptest.NewRequest(http.MethodPut, "/api/collection", nil)
	w := httptest.NewRecorder()
	s.handleCollectionCreate(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d", w.Code)
	}
	if !fc.ensured {
		t.Error("EnsureCollection not called")
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/collection", nil)
	w = httptest.NewRecorder()
	s.handleCollectionDelete(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	if !fc.dropped {
		t.Error("DeleteCollection not called")
	}
}
