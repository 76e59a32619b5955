package rag

import (
	"context"

	"docchat/internal/logging"
	"docchat/internal/vecindex"
)

// Embedder turns a query into a vector
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Index answers top-k nearest-neighbor queries
type Index interface {
	Query(ctx context.Context, vector []float32, k int, documentIDs []string) ([]vecindex.Result, error)
}

// RetrievedContext is the assembled grounding for one chat turn. An
// empty Context with no Cited entries means the turn proceeds
// ungrounded.
type RetrievedContext struct {
	Context string
	Cited   []vecindex.Result
}

// Retriever embeds a query, finds the most similar chunks across the
// given documents, and assembles a bounded-size context block.
type Retriever struct {
	embedder Embedder
	index    Index
	topK     int
	budget   int // max runes of retrieved text
	logger   *logging.Logger
}

// NewRetriever creates a Retriever
func NewRetriever(embedder Embedder, index Index, topK, budget int, logger *logging.Logger) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		topK:     topK,
		budget:   budget,
		logger:   logger,
	}
}

// Retrieve assembles grounding context for a query, scoped to the
// given documents. Chunk texts are concatenated in descending
// similarity order; once the budget would be exceeded the remaining
// (lowest-similarity) chunks are dropped. Only chunks that made it
// into the context are cited.
func (r *Retriever) Retrieve(ctx context.Context, query string, documentIDs []string) (RetrievedContext, error) {
	if len(documentIDs) == 0 {
		return RetrievedContext{}, nil
	}

	vector, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return RetrievedContext{}, err
	}

	results, err := r.index.Query(ctx, vector, r.topK, documentIDs)
	if err != nil {
		return RetrievedContext{}, err
	}
	if len(results) == 0 {
		r.logger.Debug("no indexed chunks matched, proceeding ungrounded")
		return RetrievedContext{}, nil
	}

	var sb []rune
	var cited []vecindex.Result
	for _, res := range results {
		text := []rune(res.Text)
		sep := 0
		if len(sb) > 0 {
			sep = 2 // "\n\n"
		}
		if r.budget > 0 && len(sb)+sep+len(text) > r.budget {
			break
		}
		if sep > 0 {
			sb = append(sb, '\n', '\n')
		}
		sb = append(sb, text...)
		cited = append(cited, res)
	}

	r.logger.WithFields(map[string]interface{}{
		"candidates":   len(results),
		"cited":        len(cited),
		"context_size": len(sb),
	}).Debug("context assembled")

	return RetrievedContext{Context: string(sb), Cited: cited}, nil
}
