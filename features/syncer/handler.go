package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"kbsync/internal/middleware"
)

type Handler struct {
	service *Service
	base    context.Context
}

// NewHandler serves run triggers. Runs started over HTTP live as long as
// base, not the request.
func NewHandler(service *Service, base context.Context) *Handler {
	return &Handler{service: service, base: base}
}

func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	runID, err := h.service.Start(h.base)
	if errors.Is(err, ErrRunInProgress) {
		h.writeError(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	slog.InfoContext(r.Context(), "sync run triggered", "run_id", runID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"run_id": runID}}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	rep := h.service.Latest()
	if rep == nil {
		h.writeError(r.Context(), w, "NOT_FOUND", "no run has been started", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": rep}); err != nil {
		slog.Error("failed to encode response", "error", err)
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
