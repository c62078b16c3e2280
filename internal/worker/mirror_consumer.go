package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"kbsync/internal/config"
	"kbsync/internal/middleware"
	"kbsync/internal/text"
)

// MirrorConsumer keeps the search mirror in step with the document store.
// Upserts replace every chunk of the article, deletes drop them.
type MirrorConsumer struct {
	store     VectorStore
	publisher TaskPublisher
	maxTokens int
	overlap   int
}

func NewMirrorConsumer(s VectorStore, tp TaskPublisher, maxTokens, overlap int) *MirrorConsumer {
	return &MirrorConsumer{
		store:     s,
		publisher: tp,
		maxTokens: maxTokens,
		overlap:   overlap,
	}
}

func (h *MirrorConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var ev ArticleEvent
	err := json.Unmarshal(m.Body, &ev)

	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "invalid message format", "error", err)
		return nil
	}
	if ev.ArticleID == "" {
		slog.ErrorContext(ctx, "missing article id, dropping", "action", ev.Action)
		return nil
	}

	// Old chunks go first so a re-delivered upsert does not duplicate them.
	if err := h.store.DeleteChunksByArticle(ctx, ev.ArticleID); err != nil {
		slog.ErrorContext(ctx, "failed to delete old chunks", "article_id", ev.ArticleID, "error", err)
		return err
	}

	switch ev.Action {
	case ActionDelete:
		slog.InfoContext(ctx, "article removed from mirror", "article_id", ev.ArticleID)
		return nil
	case ActionUpsert:
	default:
		slog.ErrorContext(ctx, "unknown action, dropping", "action", ev.Action, "article_id", ev.ArticleID)
		return nil
	}

	chunks := text.ChunkMarkdown(ev.Content, h.maxTokens, h.overlap)
	for i, c := range chunks {
		task := ChunkTask{
			ArticleID:     ev.ArticleID,
			Title:         ev.Title,
			URL:           ev.URL,
			Heading:       c.Heading,
			Content:       c.Content,
			ChunkIndex:    i,
			ChunkType:     string(c.Type),
			Language:      c.Language,
			CorrelationID: correlationID,
		}
		body, err := json.Marshal(task)
		if err != nil {
			slog.ErrorContext(ctx, "failed to marshal chunk task", "error", err)
			continue
		}
		if err := h.publisher.Publish(config.TopicEmbed, body); err != nil {
			slog.ErrorContext(ctx, "failed to publish chunk task", "topic", config.TopicEmbed, "error", err)
			return err
		}
	}

	slog.InfoContext(ctx, "published embedding tasks", "article_id", ev.ArticleID, "count", len(chunks))
	return nil
}
