// Package weaviate stores the search mirror's article chunks in Weaviate.
package weaviate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"kbsync/internal/retrieval"
	"kbsync/internal/vector"
	"kbsync/internal/worker"
)

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

// EnsureSchema creates or upgrades the chunk class.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, schemaClient{s.client})
}

func (s *Store) StoreChunk(ctx context.Context, chunk worker.Chunk) error {
	_, err := s.client.Data().Creator().
		WithClassName(vector.ClassName).
		WithProperties(map[string]any{
			"content":    chunk.Content,
			"articleId":  chunk.ArticleID,
			"chunkIndex": chunk.ChunkIndex,
			"title":      chunk.Title,
			"heading":    chunk.Heading,
			"url":        chunk.URL,
			"type":       chunk.Type,
			"language":   chunk.Language,
		}).
		WithVector(chunk.Vector).
		Do(ctx)
	return err
}

func byArticle(articleID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"articleId"}).
		WithOperator(filters.Equal).
		WithValueString(articleID)
}

func (s *Store) DeleteChunksByArticle(ctx context.Context, articleID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(byArticle(articleID)).
		Do(ctx)
	return err
}

// GetChunks returns the chunks of one article ordered as stored.
func (s *Store) GetChunks(ctx context.Context, articleID string, limit int) ([]worker.Chunk, error) {
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "articleId"},
		{Name: "chunkIndex"},
		{Name: "title"},
		{Name: "heading"},
		{Name: "url"},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(byArticle(articleID)).
		WithLimit(limit).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var chunks []worker.Chunk
	data, _ := res.Data["Get"].(map[string]any)
	raw, _ := data[vector.ClassName].([]any)
	for _, c := range raw {
		props, ok := c.(map[string]any)
		if !ok {
			continue
		}
		chunk := worker.Chunk{}
		chunk.Content, _ = props["content"].(string)
		chunk.ArticleID, _ = props["articleId"].(string)
		chunk.Title, _ = props["title"].(string)
		chunk.Heading, _ = props["heading"].(string)
		chunk.URL, _ = props["url"].(string)
		if idx, ok := props["chunkIndex"].(float64); ok {
			chunk.ChunkIndex = int(idx)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Search runs a hybrid keyword and vector query. alpha 0 is pure keyword,
// 1 pure vector. An empty articleID searches the whole mirror.
func (s *Store) Search(ctx context.Context, query string, vec []float32, alpha float32, limit int, articleID string) ([]retrieval.SearchResult, error) {
	hybrid := s.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithVector(vec).
		WithAlpha(alpha)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "articleId"},
		{Name: "chunkIndex"},
		{Name: "title"},
		{Name: "heading"},
		{Name: "url"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
	}

	get := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithHybrid(hybrid).
		WithLimit(limit).
		WithFields(fields...)
	if articleID != "" {
		get = get.WithWhere(byArticle(articleID))
	}

	res, err := get.Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var results []retrieval.SearchResult
	data, _ := res.Data["Get"].(map[string]any)
	raw, _ := data[vector.ClassName].([]any)
	for _, c := range raw {
		props, ok := c.(map[string]any)
		if !ok {
			continue
		}
		r := retrieval.SearchResult{}
		r.Content, _ = props["content"].(string)
		r.ArticleID, _ = props["articleId"].(string)
		r.Title, _ = props["title"].(string)
		r.Heading, _ = props["heading"].(string)
		r.URL, _ = props["url"].(string)
		if idx, ok := props["chunkIndex"].(float64); ok {
			r.ChunkIndex = int(idx)
		}
		// Hybrid scores come back as strings.
		if additional, ok := props["_additional"].(map[string]any); ok {
			switch score := additional["score"].(type) {
			case string:
				if f, err := strconv.ParseFloat(score, 32); err == nil {
					r.Score = float32(f)
				}
			case float64:
				r.Score = float32(score)
			}
		}
		results = append(results, r)
	}
	return results, nil
}

// CountChunks returns the number of chunks in the mirror.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	agg, _ := res.Data["Aggregate"].(map[string]any)
	groups, _ := agg[vector.ClassName].([]any)
	if len(groups) == 0 {
		return 0, nil
	}
	group, _ := groups[0].(map[string]any)
	meta, _ := group["meta"].(map[string]any)
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// schemaClient adapts the Weaviate schema API to vector.SchemaClient.
type schemaClient struct {
	c *weaviate.Client
}

func (a schemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.c.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a schemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	return a.c.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a schemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return a.c.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (a schemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return a.c.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}
