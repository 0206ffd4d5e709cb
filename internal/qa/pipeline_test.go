package qa

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/docstackhq/docqa-go/internal/chunk"
	"github.com/docstackhq/docqa-go/internal/history"
	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// fakeGenerator returns canned responses in order and records every call.
type fakeGenerator struct {
	responses []string
	err       error
	calls     [][]*schema.Message
}

func (f *fakeGenerator) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.calls = append(f.calls, input)
	if f.err != nil {
		return nil, f.err
	}
	resp := ""
	if n := len(f.calls) - 1; n < len(f.responses) {
		resp = f.responses[n]
	}
	return schema.AssistantMessage(resp, nil), nil
}

// fakeEmbedder returns a fixed vector for any input.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (fakeEmbedder) EstimateTokens(text string) int { return len(text) / 4 }

// fakeSearcher returns fixed candidates and records the filter.
type fakeSearcher struct {
	candidates []rag.Candidate
	gotFilter  rag.Filter
}

func (f *fakeSearcher) SearchCandidates(_ context.Context, _ []float32, filter rag.Filter, _ int) ([]rag.Candidate, error) {
	f.gotFilter = filter
	return f.candidates, nil
}

func testCandidate(t *testing.T, content string) rag.Candidate {
	t.Helper()
	c, err := chunk.New(content, chunk.Metadata{
		OwnerID:        "owner-1",
		DocumentID:     "doc-1",
		ConversationID: "conv-1",
		PageNumber:     2,
		PagePosition:   1,
	})
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}
	return rag.Candidate{Chunk: c, Score: 0.9, Vector: []float32{1, 0}}
}

func newTestPipeline(t *testing.T, gen Generator, searcher rag.CandidateSearcher, hist history.Store) *Pipeline {
	t.Helper()
	p, err := New(&Config{
		Generator:  gen,
		Retrievers: rag.NewRetrieverFactory(fakeEmbedder{}, searcher, rag.RetrieverOptions{}),
		History:    hist,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func Test_Ask_NoHistorySkipsReformulation(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{responses: []string{"the notice period is thirty days."}}
	searcher := &fakeSearcher{candidates: []rag.Candidate{
		testCandidate(t, "the tenant must give thirty days notice."),
	}}
	p := newTestPipeline(t, gen, searcher, nil)

	ans, err := p.Ask(context.Background(), Request{
		OwnerID:        "owner-1",
		ConversationID: "conv-1",
		Question:       "what is the notice period?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Question != "what is the notice period?" {
		t.Errorf("question should be unchanged without history, got %q", ans.Question)
	}
	// Only the answer generation call — no reformulation round-trip.
	if len(gen.calls) != 1 {
		t.Fatalf("want 1 LLM call, got %d", len(gen.calls))
	}
	if ans.Text != "the notice period is thirty days." {
		t.Errorf("unexpected answer %q", ans.Text)
	}
	if len(ans.Sources) != 1 {
		t.Errorf("want 1 source chunk, got %d", len(ans.Sources))
	}
}

func Test_Ask_WithHistoryReformulates(t *testing.T) {
	t.Parallel()
	hist := openTestHistory(t)
	ctx := context.Background()
	if err := hist.Append(ctx, "owner-1", "conv-1", history.RoleUser, "tell me about the lease"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := hist.Append(ctx, "owner-1", "conv-1", history.RoleAssistant, "the lease runs twelve months."); err != nil {
		t.Fatalf("append: %v", err)
	}

	gen := &fakeGenerator{responses: []string{
		"when does the lease end?",
		"the lease ends after twelve months.",
	}}
	searcher := &fakeSearcher{candidates: []rag.Candidate{
		testCandidate(t, "the lease term is twelve months from signing."),
	}}
	p := newTestPipeline(t, gen, searcher, hist)

	ans, err := p.Ask(ctx, Request{
		OwnerID:        "owner-1",
		ConversationID: "conv-1",
		Question:       "when does it end?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(gen.calls) != 2 {
		t.Fatalf("want 2 LLM calls (reformulate + answer), got %d", len(gen.calls))
	}
	if ans.Question != "when does it end?" {
		t.Errorf("answer must echo the question as asked, got %q", ans.Question)
	}
	// The answer call is grounded on the standalone rewrite, not the raw
	// follow-up.
	answerCall := gen.calls[1]
	if got := answerCall[len(answerCall)-1].Content; got != "when does the lease end?" {
		t.Errorf("want standalone rewrite used for answering, got %q", got)
	}
	// The reformulation call carries the system instruction plus history.
	first := gen.calls[0]
	if first[0].Role != schema.System || !strings.Contains(first[0].Content, "standalone question") {
		t.Errorf("reformulation call missing system instruction: %+v", first[0])
	}
	if len(first) != 4 {
		t.Errorf("reformulation call should carry 2 history turns, got %d messages", len(first))
	}

	// The answered turn is persisted with the question as asked.
	msgs, err := hist.Recent(ctx, "owner-1", "conv-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("want 4 persisted messages, got %d", len(msgs))
	}
	if msgs[2].Content != "when does it end?" || msgs[3].Content != ans.Text {
		t.Errorf("persisted turn mismatch: %q / %q", msgs[2].Content, msgs[3].Content)
	}
}

func Test_Ask_NoChunksReturnsFallback(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	p := newTestPipeline(t, gen, &fakeSearcher{}, nil)

	ans, err := p.Ask(context.Background(), Request{
		OwnerID:        "owner-1",
		ConversationID: "conv-1",
		Question:       "what color is the moon?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != FallbackAnswer {
		t.Errorf("want fallback answer, got %q", ans.Text)
	}
	if len(ans.Sources) != 0 {
		t.Errorf("fallback answer must carry no sources, got %d", len(ans.Sources))
	}
	// The LLM must not be called when nothing was retrieved.
	if len(gen.calls) != 0 {
		t.Errorf("want 0 LLM calls, got %d", len(gen.calls))
	}
}

func Test_Ask_EmptyAnswerWarned(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{responses: []string{""}}
	searcher := &fakeSearcher{candidates: []rag.Candidate{
		testCandidate(t, "the deposit is refundable within thirty days."),
	}}
	p := newTestPipeline(t, gen, searcher, nil)

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	ans, err := p.Ask(ctx, Request{
		OwnerID:        "owner-1",
		ConversationID: "conv-1",
		Question:       "what about the deposit?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != "" {
		t.Errorf("empty model output should pass through unchanged, got %q", ans.Text)
	}
	if len(ans.Sources) != 1 {
		t.Errorf("want 1 source chunk, got %d", len(ans.Sources))
	}
	if !strings.Contains(buf.String(), "empty answer") {
		t.Errorf("want a warning about the empty answer, log was: %s", buf.String())
	}
}

func Test_Ask_ScopePropagation(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{}
	p := newTestPipeline(t, &fakeGenerator{}, searcher, nil)

	_, err := p.Ask(context.Background(), Request{
		OwnerID:              "owner-1",
		ConversationID:       "conv-9",
		DocumentID:           "doc-7",
		UseConversationScope: true,
		Question:             "what does section two say?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	want := rag.Filter{OwnerID: "owner-1", DocumentID: "doc-7", ConversationID: "conv-9"}
	if searcher.gotFilter != want {
		t.Errorf("filter = %+v, want %+v", searcher.gotFilter, want)
	}
}

func Test_Ask_ValidatesRequest(t *testing.T) {
	t.Parallel()
	p := newTestPipeline(t, &fakeGenerator{}, &fakeSearcher{}, nil)
	ctx := context.Background()

	if _, err := p.Ask(ctx, Request{ConversationID: "c", Question: "q?"}); !errors.Is(err, rag.ErrOwnerRequired) {
		t.Errorf("want ErrOwnerRequired, got %v", err)
	}
	if _, err := p.Ask(ctx, Request{OwnerID: "o", Question: "q?"}); err == nil {
		t.Error("want error for missing conversation id")
	}
	if _, err := p.Ask(ctx, Request{OwnerID: "o", ConversationID: "c", Question: "   "}); err == nil {
		t.Error("want error for blank question")
	}
}

func Test_Ask_GeneratorFailureIsWrapped(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	searcher := &fakeSearcher{candidates: []rag.Candidate{
		testCandidate(t, "some context chunk content here."),
	}}
	p := newTestPipeline(t, gen, searcher, nil)

	_, err := p.Ask(context.Background(), Request{
		OwnerID:        "owner-1",
		ConversationID: "conv-1",
		Question:       "what is this about?",
	})
	if err == nil || !strings.Contains(err.Error(), "generate failed") {
		t.Errorf("want generate-stage error, got %v", err)
	}
}

// openTestHistory opens an in-memory history store.
func openTestHistory(t *testing.T) *history.SQLiteStore {
	t.Helper()
	s, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
