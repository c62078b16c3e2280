// Package retrieval answers queries against the search mirror: hybrid
// keyword and vector search over article chunks, optionally reranked.
package retrieval

import (
	"context"
	"errors"
	"strings"
	"time"

	"kbsync/internal/worker"
)

var ErrEmptyQuery = errors.New("query must not be empty")

// MaxLimit caps the number of hits one query can ask for.
const MaxLimit = 100

type SearchResult struct {
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
	ArticleID  string  `json:"article_id"`
	Title      string  `json:"title,omitempty"`
	Heading    string  `json:"heading,omitempty"`
	URL        string  `json:"url,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
}

type SearchOptions struct {
	Alpha *float32
	Limit *int
	// ArticleID restricts hits to one article.
	ArticleID string
}

// Defaults apply when a query leaves alpha or limit unset.
type Defaults struct {
	Alpha float32
	TopK  int
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Search(ctx context.Context, query string, vector []float32, alpha float32, limit int, articleID string) ([]SearchResult, error)
	GetChunks(ctx context.Context, articleID string, limit int) ([]worker.Chunk, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
}

type Service struct {
	embedder Embedder
	store    VectorStore
	reranker Reranker
	defaults Defaults
	logger   *QueryLogger
}

// NewService builds the query service. r and l may be nil.
func NewService(e Embedder, s VectorStore, r Reranker, d Defaults, l *QueryLogger) *Service {
	if d.Alpha < 0 || d.Alpha > 1 {
		d.Alpha = 0.5
	}
	if d.TopK < 1 {
		d.TopK = 10
	}
	return &Service{embedder: e, store: s, reranker: r, defaults: d, logger: l}
}

func (s *Service) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	var finalDocs []SearchResult
	var err error

	defer func() {
		if s.logger != nil && err == nil {
			s.logger.Log(ctx, QueryLogEntry{
				Query:      query,
				NumResults: len(finalDocs),
				Duration:   time.Since(start),
			})
		}
	}()

	alpha := s.defaults.Alpha
	limit := s.defaults.TopK
	var articleID string
	if opts != nil {
		if opts.Alpha != nil {
			alpha = min(max(*opts.Alpha, 0), 1)
		}
		if opts.Limit != nil {
			limit = *opts.Limit
		}
		articleID = opts.ArticleID
	}
	limit = min(max(limit, 1), MaxLimit)

	// 1. Embed Query
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// 2. Hybrid Search (BM25 + Vector)
	docs, err := s.store.Search(ctx, query, vec, alpha, limit, articleID)
	if err != nil {
		return nil, err
	}

	// 3. Rerank (if configured)
	if s.reranker != nil && len(docs) > 0 {
		contents := make([]string, len(docs))
		for i, d := range docs {
			contents[i] = d.Content
		}

		var indices []int
		indices, err = s.reranker.Rerank(ctx, query, contents)
		if err != nil {
			return nil, err
		}

		reranked := make([]SearchResult, 0, len(indices))
		for _, idx := range indices {
			if idx >= 0 && idx < len(docs) {
				reranked = append(reranked, docs[idx])
			}
		}
		docs = reranked
	}

	finalDocs = docs
	return docs, nil
}

// ArticleChunks returns what the mirror holds for one article, in chunk
// order.
func (s *Service) ArticleChunks(ctx context.Context, articleID string) ([]SearchResult, error) {
	chunks, err := s.store.GetChunks(ctx, articleID, MaxLimit)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, SearchResult{
			Content:    c.Content,
			ArticleID:  c.ArticleID,
			Title:      c.Title,
			Heading:    c.Heading,
			URL:        c.URL,
			ChunkIndex: c.ChunkIndex,
		})
	}
	return results, nil
}
