// Package retrieve implements hybrid (lexical + semantic) retrieval over a
// repository's vector collection.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aahilsayed062/repopilot/internal/core"
	"github.com/aahilsayed062/repopilot/internal/index"
)

// Rerank weights. Lexical overlap dominates because code questions usually
// name identifiers verbatim.
const (
	lexicalWeight  = 0.7
	semanticWeight = 0.3
)

// DefaultK is the fallback result count.
const DefaultK = 3

// Embedder embeds the query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever performs query embedding, candidate search, and hybrid reranking.
type Retriever struct {
	indexer  *index.Indexer
	embedder Embedder
	defaultK int
	logger   *slog.Logger
}

// New builds the retriever. defaultK falls back to DefaultK when zero.
func New(indexer *index.Indexer, embedder Embedder, defaultK int, logger *slog.Logger) *Retriever {
	if defaultK <= 0 {
		defaultK = DefaultK
	}
	return &Retriever{indexer: indexer, embedder: embedder, defaultK: defaultK, logger: logger}
}

// Retrieve returns the top-k chunks for the query. A missing collection yields
// an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, repoID, query string, k int) ([]core.Chunk, error) {
	if k <= 0 {
		k = r.defaultK
	}

	collection, err := r.indexer.GetCollection(repoID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			r.logger.Warn("no collection for repository", "repo_id", repoID)
			return nil, nil
		}
		return nil, err
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	// Over-fetch so the lexical rerank has candidates to promote.
	candidateK := max(3*k, 12)
	results, err := collection.Query(vectors[0], candidateK, nil)
	if err != nil {
		return nil, fmt.Errorf("collection query failed: %w", err)
	}

	queryTokens := tokenize(query)
	type scored struct {
		chunk core.Chunk
		score float64
	}
	ranked := make([]scored, 0, len(results))
	for _, res := range results {
		chunk := core.ChunkFromMetadata(res.ID, res.Document, res.Metadata)
		score := lexicalWeight*lexicalScore(queryTokens, chunk) + semanticWeight*semanticScore(res.Distance)
		ranked = append(ranked, scored{chunk: chunk, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	chunks := make([]core.Chunk, len(ranked))
	for i, s := range ranked {
		chunks[i] = s.chunk
	}
	r.logger.Debug("retrieved chunks", "repo_id", repoID, "count", len(chunks), "k", k)
	return chunks, nil
}

// RetrieveMulti runs several sub-query searches concurrently and returns the
// deduplicated union in sub-query order.
func (r *Retriever) RetrieveMulti(ctx context.Context, repoID string, queries []string, k int) ([]core.Chunk, error) {
	results := make([][]core.Chunk, len(queries))

	g, ctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			chunks, err := r.Retrieve(ctx, repoID, q, k)
			if err != nil {
				r.logger.Warn("sub-query retrieval failed", "query", q, "error", err)
				return nil
			}
			results[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var merged []core.Chunk
	for _, chunks := range results {
		for _, c := range chunks {
			if _, ok := seen[c.ChunkID]; ok {
				continue
			}
			seen[c.ChunkID] = struct{}{}
			merged = append(merged, c)
		}
	}
	return merged, nil
}

var tokenRe = regexp.MustCompile(`[a-z0-9_]{2,}`)

// tokenize lowercases and extracts alphanumeric/underscore substrings of
// length >= 2.
func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, t := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		tokens[t] = struct{}{}
	}
	return tokens
}

// lexicalScore is the fraction of query tokens found in the chunk content or
// its file path.
func lexicalScore(queryTokens map[string]struct{}, chunk core.Chunk) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	haystack := tokenize(chunk.Content)
	for t := range tokenize(chunk.FilePath) {
		haystack[t] = struct{}{}
	}
	overlap := 0
	for t := range queryTokens {
		if _, ok := haystack[t]; ok {
			overlap++
		}
	}
	return float64(overlap) / math.Max(1, float64(len(queryTokens)))
}

// semanticScore maps cosine distance into (0, 1], zero when the distance is
// missing or non-finite.
func semanticScore(distance float64) float64 {
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance < 0 {
		return 0
	}
	return 1 / (1 + distance)
}
