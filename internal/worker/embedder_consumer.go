package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"kbsync/internal/middleware"
)

type EmbedderConsumer struct {
	embedder Embedder
	store    VectorStore
}

func NewEmbedderConsumer(e Embedder, s VectorStore) *EmbedderConsumer {
	return &EmbedderConsumer{
		embedder: e,
		store:    s,
	}
}

// contextualText is what gets embedded: article metadata followed by the
// chunk, so a chunk is still findable by its article title.
func contextualText(t ChunkTask) string {
	s := fmt.Sprintf("Title: %s\nURL: %s", t.Title, t.URL)
	if t.Heading != "" {
		s += fmt.Sprintf("\nSection: %s", t.Heading)
	}
	return s + fmt.Sprintf("\n---\n%s", t.Content)
}

func (h *EmbedderConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task ChunkTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}

	embedCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	vector, err := h.embedder.Embed(embedCtx, contextualText(task))
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err, "article_id", task.ArticleID, "chunk_index", task.ChunkIndex)
		return err
	}

	chunk := Chunk{
		Content:    task.Content,
		Vector:     vector,
		ArticleID:  task.ArticleID,
		URL:        task.URL,
		Title:      task.Title,
		Heading:    task.Heading,
		ChunkIndex: task.ChunkIndex,
		Type:       task.ChunkType,
		Language:   task.Language,
	}
	if err := h.store.StoreChunk(embedCtx, chunk); err != nil {
		slog.ErrorContext(ctx, "store chunk failed", "error", err, "article_id", task.ArticleID)
		return err
	}

	slog.InfoContext(ctx, "chunk stored", "article_id", task.ArticleID, "chunk_index", task.ChunkIndex)
	return nil
}
