package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"kbsync/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// Search serves GET /search?q=...&limit=...&alpha=...&article_id=...
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	q := r.URL.Query()

	opts := &SearchOptions{ArticleID: q.Get("article_id")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.writeError(ctx, w, "INVALID_ARGUMENT", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		opts.Limit = &limit
	}
	if raw := q.Get("alpha"); raw != "" {
		alpha, err := strconv.ParseFloat(raw, 32)
		if err != nil || alpha < 0 || alpha > 1 {
			h.writeError(ctx, w, "INVALID_ARGUMENT", "alpha must be between 0 and 1", http.StatusBadRequest)
			return
		}
		a := float32(alpha)
		opts.Alpha = &a
	}

	slog.InfoContext(ctx, "searching mirror", "query", q.Get("q"), "correlationId", correlationID)

	results, err := h.service.Search(ctx, q.Get("q"), opts)
	if err != nil {
		if errors.Is(err, ErrEmptyQuery) {
			h.writeError(ctx, w, "INVALID_ARGUMENT", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "search failed", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "search failed", http.StatusInternalServerError)
		return
	}
	h.writeList(ctx, w, results)
}

// ArticleChunks serves GET /search/articles/{id}.
func (h *Handler) ArticleChunks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	results, err := h.service.ArticleChunks(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read article chunks", "id", id, "error", err, "correlationId", middleware.GetCorrelationID(ctx))
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read article chunks", http.StatusInternalServerError)
		return
	}
	if len(results) == 0 {
		h.writeError(ctx, w, "NOT_FOUND", "Article is not mirrored", http.StatusNotFound)
		return
	}
	h.writeList(ctx, w, results)
}

func (h *Handler) writeList(ctx context.Context, w http.ResponseWriter, results []SearchResult) {
	if results == nil {
		results = []SearchResult{}
	}
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
