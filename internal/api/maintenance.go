package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Priya8975/webhook-dispatcher/internal/worker"
)

type MaintenanceHandler struct {
	sweeper       *worker.Sweeper
	retentionDays int
	logger        *slog.Logger
}

func NewMaintenanceHandler(sw *worker.Sweeper, retentionDays int, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{sweeper: sw, retentionDays: retentionDays, logger: logger}
}

// Retries runs one sweep now instead of waiting for the ticker.
func (h *MaintenanceHandler) Retries(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to process retries")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (h *MaintenanceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := h.retentionDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	deleted, err := h.sweeper.CleanupOldLogs(r.Context(), days)
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to clean up delivery logs")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "days": days})
}

func (h *MaintenanceHandler) Sweeper(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.sweeper.Status())
}
