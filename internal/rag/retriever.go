package rag

import (
	"context"
	"fmt"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	// ModeMMR re-ranks a wider candidate pool with maximal marginal
	// relevance to trade relevance against diversity.
	ModeMMR Mode = "mmr"

	// ModeThreshold keeps the top results whose similarity score meets a
	// minimum, with no diversity re-ranking.
	ModeThreshold Mode = "threshold"
)

// Default retrieval parameters.
const (
	DefaultK              = 5
	DefaultLambda         = 0.5
	DefaultScoreThreshold = 0.8

	// fetchKFactor sizes the MMR candidate pool relative to K.
	fetchKFactor = 4
)

// Scope pins a retriever to one tenant and optionally narrows it to a
// document or conversation.
type Scope struct {
	// OwnerID is the tenant the retriever is restricted to. Required.
	OwnerID string

	// DocumentID optionally narrows retrieval to a single document.
	DocumentID string

	// ConversationID optionally narrows retrieval to chunks uploaded in a
	// single conversation.
	ConversationID string
}

// filter converts the scope into a store filter.
func (s Scope) filter() Filter {
	return Filter{
		OwnerID:        s.OwnerID,
		DocumentID:     s.DocumentID,
		ConversationID: s.ConversationID,
	}
}

// RetrieverOptions tunes a ScopedRetriever. The zero value is usable; unset
// fields take defaults.
type RetrieverOptions struct {
	// Mode selects the retrieval strategy (default: mmr).
	Mode Mode

	// K is the number of chunks to return (default: 5).
	K int

	// FetchK is the MMR candidate pool size (default: 4*K).
	FetchK int

	// Lambda is the MMR relevance/diversity trade-off in [0,1], where 1 is
	// pure relevance (default: 0.5).
	Lambda float32

	// ScoreThreshold is the minimum similarity kept in threshold mode
	// (default: 0.8).
	ScoreThreshold float32

	// thresholdSet distinguishes an explicit zero threshold from unset.
	thresholdSet bool
}

// WithScoreThreshold sets an explicit threshold, including zero.
func (o RetrieverOptions) WithScoreThreshold(t float32) RetrieverOptions {
	o.ScoreThreshold = t
	o.thresholdSet = true
	return o
}

func (o RetrieverOptions) withDefaults() RetrieverOptions {
	if o.Mode == "" {
		o.Mode = ModeMMR
	}
	if o.K <= 0 {
		o.K = DefaultK
	}
	if o.FetchK <= 0 {
		o.FetchK = fetchKFactor * o.K
	}
	if o.FetchK < o.K {
		o.FetchK = o.K
	}
	if o.Lambda == 0 {
		o.Lambda = DefaultLambda
	}
	if o.ScoreThreshold == 0 && !o.thresholdSet {
		o.ScoreThreshold = DefaultScoreThreshold
	}
	return o
}

func (o RetrieverOptions) validate() error {
	switch o.Mode {
	case ModeMMR, ModeThreshold:
	default:
		return fmt.Errorf("retriever: unknown mode %q", o.Mode)
	}
	if o.Lambda < 0 || o.Lambda > 1 {
		return fmt.Errorf("retriever: lambda must be in [0,1], got %g", o.Lambda)
	}
	return nil
}

// ScopedRetriever retrieves chunks for one scope using a fixed strategy.
// Instances are cheap and stateless; build one per request scope via
// RetrieverFactory.
type ScopedRetriever struct {
	embedder Embedder
	searcher CandidateSearcher
	scope    Scope
	opts     RetrieverOptions
}

// NewScopedRetriever builds a retriever for the given scope. The scope's
// owner is mandatory.
func NewScopedRetriever(embedder Embedder, searcher CandidateSearcher, scope Scope, opts RetrieverOptions) (*ScopedRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retriever: embedder must not be nil")
	}
	if searcher == nil {
		return nil, fmt.Errorf("retriever: searcher must not be nil")
	}
	if err := scope.filter().Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &ScopedRetriever{
		embedder: embedder,
		searcher: searcher,
		scope:    scope,
		opts:     opts,
	}, nil
}

// Retrieve returns up to K scored chunks for the query within the
// retriever's scope. An empty result is not an error.
func (r *ScopedRetriever) Retrieve(ctx context.Context, query string) ([]ScoredChunk, error) {
	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retriever: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("retriever: embedder returned empty result for query")
	}
	queryVec := embeddings[0]

	limit := r.opts.K
	if r.opts.Mode == ModeMMR {
		limit = r.opts.FetchK
	}

	candidates, err := r.searcher.SearchCandidates(ctx, queryVec, r.scope.filter(), limit)
	if err != nil {
		return nil, fmt.Errorf("retriever: candidate search failed: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	switch r.opts.Mode {
	case ModeThreshold:
		results := make([]ScoredChunk, 0, r.opts.K)
		for _, c := range candidates {
			if c.Score < r.opts.ScoreThreshold {
				continue
			}
			results = append(results, ScoredChunk{Chunk: c.Chunk, Score: c.Score})
			if len(results) == r.opts.K {
				break
			}
		}
		return results, nil
	default:
		return maximalMarginalRelevance(queryVec, candidates, r.opts.Lambda, r.opts.K), nil
	}
}

// RetrieverFactory builds per-scope retrievers over one shared embedder and
// candidate searcher.
type RetrieverFactory struct {
	embedder Embedder
	searcher CandidateSearcher
	opts     RetrieverOptions
}

// NewRetrieverFactory creates a factory with shared defaults applied to
// every retriever it builds.
func NewRetrieverFactory(embedder Embedder, searcher CandidateSearcher, opts RetrieverOptions) *RetrieverFactory {
	return &RetrieverFactory{embedder: embedder, searcher: searcher, opts: opts}
}

// ForScope builds a retriever bound to the given scope.
func (f *RetrieverFactory) ForScope(scope Scope) (*ScopedRetriever, error) {
	return NewScopedRetriever(f.embedder, f.searcher, scope, f.opts)
}
