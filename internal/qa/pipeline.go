// Package qa implements the question-answering pipeline: reformulate the
// question against conversation history, retrieve scoped context, generate a
// grounded answer, and assemble the result with its source chunks.
package qa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/docstackhq/docqa-go/internal/budget"
	"github.com/docstackhq/docqa-go/internal/history"
	"github.com/docstackhq/docqa-go/internal/logging"
	"github.com/docstackhq/docqa-go/internal/rag"
)

// Generator is the LLM surface the pipeline needs. Satisfied by any eino
// ChatModel.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// RetrieverFactory builds a retriever bound to one scope. Satisfied by
// rag.RetrieverFactory.
type RetrieverFactory interface {
	ForScope(scope rag.Scope) (*rag.ScopedRetriever, error)
}

// Request identifies one question within its tenant scope.
type Request struct {
	// OwnerID is the tenant asking the question. Required.
	OwnerID string

	// ConversationID selects the conversation thread for history and,
	// when UseConversationScope is set, narrows retrieval. Required.
	ConversationID string

	// DocumentID optionally narrows retrieval to a single document.
	DocumentID string

	// UseConversationScope restricts retrieval to chunks uploaded within
	// this conversation.
	UseConversationScope bool

	// Question is the user's question as asked.
	Question string
}

// Answer is the assembled pipeline result.
type Answer struct {
	// Question is the question as asked. Retrieval may have used a
	// history-aware rewrite of it internally.
	Question string

	// Text is the generated (or fallback) answer.
	Text string

	// Sources are the retrieved chunks the answer is grounded in, in
	// retrieval order. Empty when the fallback answer was returned.
	Sources []rag.ScoredChunk
}

// Config holds the dependencies and tuning for a Pipeline.
type Config struct {
	// Generator is the LLM backend for reformulation and answering.
	Generator Generator

	// Retrievers builds per-scope retrievers.
	Retrievers RetrieverFactory

	// History is the conversation store. May be nil; each question is then
	// stateless.
	History history.Store

	// HistoryDepth is the number of prior turns (user+assistant pairs) to
	// inject per question. Defaults to 10 if zero.
	HistoryDepth int

	// MaxContextTokens is the estimated token budget for the full input
	// context. History is trimmed oldest-first to fit. Defaults to
	// budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int
}

// Pipeline answers questions over a tenant's ingested documents. Safe for
// concurrent use; per-question state lives on the stack.
type Pipeline struct {
	generator        Generator
	retrievers       RetrieverFactory
	history          history.Store
	historyDepth     int
	maxContextTokens int
}

// New constructs a Pipeline from the provided Config.
func New(cfg *Config) (*Pipeline, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("qa: Generator must not be nil")
	}
	if cfg.Retrievers == nil {
		return nil, fmt.Errorf("qa: Retrievers must not be nil")
	}
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = 10
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	return &Pipeline{
		generator:        cfg.Generator,
		retrievers:       cfg.Retrievers,
		history:          cfg.History,
		historyDepth:     depth,
		maxContextTokens: maxCtx,
	}, nil
}

// Ask runs the full pipeline for one question: reformulate, retrieve,
// generate, assemble. When retrieval finds nothing the fallback answer is
// returned without calling the LLM. The turn is persisted to history after a
// successful answer; persistence failures are logged, not returned.
func (p *Pipeline) Ask(ctx context.Context, req Request) (*Answer, error) {
	if req.OwnerID == "" {
		return nil, rag.ErrOwnerRequired
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("qa: conversation id must not be empty")
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("qa: question must not be empty")
	}
	log := logging.FromContext(ctx)

	historyMsgs := p.loadHistory(ctx, req)

	question, err := p.reformulate(ctx, req.Question, historyMsgs)
	if err != nil {
		return nil, fmt.Errorf("qa: reformulate failed: %w", err)
	}

	scope := rag.Scope{OwnerID: req.OwnerID, DocumentID: req.DocumentID}
	if req.UseConversationScope {
		scope.ConversationID = req.ConversationID
	}
	retriever, err := p.retrievers.ForScope(scope)
	if err != nil {
		return nil, fmt.Errorf("qa: retrieve failed: %w", err)
	}
	sources, err := retriever.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("qa: retrieve failed: %w", err)
	}

	if len(sources) == 0 {
		log.Warn("qa: no chunks retrieved, returning fallback answer",
			slog.String("owner_id", req.OwnerID),
			slog.String("conversation_id", req.ConversationID),
		)
		return &Answer{Question: req.Question, Text: FallbackAnswer}, nil
	}

	text, err := p.generate(ctx, question, historyMsgs, sources)
	if err != nil {
		return nil, fmt.Errorf("qa: generate failed: %w", err)
	}
	if text == "" {
		log.Warn("qa: model returned an empty answer",
			slog.String("owner_id", req.OwnerID),
			slog.String("conversation_id", req.ConversationID),
		)
	}

	p.persistTurn(ctx, req, text)

	return &Answer{Question: req.Question, Text: text, Sources: sources}, nil
}

// loadHistory returns the recent conversation turns as schema messages.
// Load failures are non-fatal; the question proceeds without history.
func (p *Pipeline) loadHistory(ctx context.Context, req Request) []*schema.Message {
	if p.history == nil {
		return nil
	}
	prior, err := p.history.Recent(ctx, req.OwnerID, req.ConversationID, p.historyDepth*2)
	if err != nil {
		logging.FromContext(ctx).Warn("qa: failed to load history, continuing without it", slog.Any("error", err))
		return nil
	}
	msgs := make([]*schema.Message, 0, len(prior))
	for _, m := range prior {
		switch m.Role {
		case history.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case history.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	return msgs
}

// reformulate rewrites a follow-up question into a standalone one. With no
// history the question is used as asked and the LLM is not called.
func (p *Pipeline) reformulate(ctx context.Context, question string, historyMsgs []*schema.Message) (string, error) {
	if len(historyMsgs) == 0 {
		return question, nil
	}

	messages := make([]*schema.Message, 0, len(historyMsgs)+2)
	messages = append(messages, schema.SystemMessage(reformulatePrompt))
	messages = append(messages, historyMsgs...)
	messages = append(messages, schema.UserMessage(question))

	resp, err := p.generator.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	standalone := strings.TrimSpace(resp.Content)
	if standalone == "" {
		// A blank rewrite would silently break retrieval; keep the original.
		return question, nil
	}
	return standalone, nil
}

// generate produces the grounded answer from the retrieved chunks, history,
// and the (reformulated) question.
func (p *Pipeline) generate(ctx context.Context, question string, historyMsgs []*schema.Message, sources []rag.ScoredChunk) (string, error) {
	var sb strings.Builder
	sb.WriteString(answerPrompt)
	for i, s := range sources {
		fmt.Fprintf(&sb, "\n[%d] (document %s, page %d)\n%s\n",
			i+1, s.Chunk.Metadata.DocumentID, s.Chunk.Metadata.PageNumber, s.Chunk.Content)
	}

	fixed := []*schema.Message{
		schema.SystemMessage(sb.String()),
		schema.UserMessage(question),
	}

	before := len(historyMsgs)
	historyMsgs = budget.TrimHistory(fixed, historyMsgs, p.maxContextTokens)
	if dropped := before - len(historyMsgs); dropped > 0 {
		logging.FromContext(ctx).Warn("qa: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(historyMsgs)),
			slog.Int("max_tokens", p.maxContextTokens),
		)
	}

	messages := make([]*schema.Message, 0, len(historyMsgs)+2)
	messages = append(messages, fixed[0])
	messages = append(messages, historyMsgs...)
	messages = append(messages, fixed[1])

	resp, err := p.generator.Generate(ctx, messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// persistTurn appends the user question and the answer to history. Failures
// are logged; the answer has already been produced and is still returned.
func (p *Pipeline) persistTurn(ctx context.Context, req Request, answer string) {
	if p.history == nil {
		return
	}
	log := logging.FromContext(ctx)
	if err := p.history.Append(ctx, req.OwnerID, req.ConversationID, history.RoleUser, req.Question); err != nil {
		log.Warn("qa: failed to persist user message", slog.Any("error", err))
	}
	if err := p.history.Append(ctx, req.OwnerID, req.ConversationID, history.RoleAssistant, answer); err != nil {
		log.Warn("qa: failed to persist assistant message", slog.Any("error", err))
	}
}
