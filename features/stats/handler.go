package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"kbsync/features/syncer"
	"kbsync/internal/middleware"
)

type ArticleRepo interface {
	Count(ctx context.Context) (int, error)
}

type JobRepo interface {
	Count(ctx context.Context) (int, error)
}

type VectorStore interface {
	CountChunks(ctx context.Context) (int, error)
}

type RunSource interface {
	Latest() *syncer.Report
}

type Handler struct {
	articleRepo ArticleRepo
	jobRepo     JobRepo
	vectorStore VectorStore
	runs        RunSource
}

// NewHandler builds the stats endpoint. jobRepo and vectorStore may be nil
// when the failure ledger or the search mirror is not configured.
func NewHandler(a ArticleRepo, j JobRepo, v VectorStore, runs RunSource) *Handler {
	return &Handler{articleRepo: a, jobRepo: j, vectorStore: v, runs: runs}
}

type StatsResponse struct {
	TrackedArticles int      `json:"tracked_articles"`
	FailedArticles  int      `json:"failed_articles"`
	MirroredChunks  int      `json:"mirrored_chunks"`
	LastRun         *LastRun `json:"last_run,omitempty"`
}

// LastRun is the outcome of the most recent run in this process.
type LastRun struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	aCount, err := h.articleRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count articles", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count articles", http.StatusInternalServerError)
		return
	}

	var jCount int
	if h.jobRepo != nil {
		jCount, err = h.jobRepo.Count(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count failed articles", "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count failed articles", http.StatusInternalServerError)
			return
		}
	}

	var cCount int
	if h.vectorStore != nil {
		cCount, err = h.vectorStore.CountChunks(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count chunks", "error", err, "correlationId", correlationID)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
			return
		}
	}

	resp := StatsResponse{
		TrackedArticles: aCount,
		FailedArticles:  jCount,
		MirroredChunks:  cCount,
	}
	if h.runs != nil {
		if rep := h.runs.Latest(); rep != nil {
			resp.LastRun = &LastRun{
				RunID:      rep.RunID,
				Status:     rep.Status,
				StartedAt:  rep.StartedAt,
				FinishedAt: rep.FinishedAt,
				Synced:     rep.Synced,
				Failed:     len(rep.Failures),
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
