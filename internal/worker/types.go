package worker

import (
	"context"
)

// Chunk is one embedded piece of a synced article in the search mirror.
type Chunk struct {
	Content    string
	Vector     []float32
	ArticleID  string
	URL        string
	Title      string
	Heading    string
	ChunkIndex int
	Type       string
	Language   string
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	StoreChunk(ctx context.Context, chunk Chunk) error
	DeleteChunksByArticle(ctx context.Context, articleID string) error
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}
