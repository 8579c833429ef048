package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type DeliveryHandler struct {
	store  store.DeliveryLogStore
	logger *slog.Logger
}

func NewDeliveryHandler(s store.DeliveryLogStore, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: s, logger: logger}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DeliveryLogFilter{
		SubscriberID: q.Get("subscriber_id"),
		Event:        q.Get("event"),
		Status:       domain.DeliveryStatus(q.Get("status")),
		Limit:        parseLimit(q.Get("limit")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		respondError(w, http.StatusBadRequest, "invalid status")
		return
	}

	h.list(w, r, filter)
}

// DeadLetters lists deliveries that exhausted every attempt.
func (h *DeliveryHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, store.DeliveryLogFilter{
		SubscriberID: r.URL.Query().Get("subscriber_id"),
		Status:       domain.DeliveryFailed,
		Limit:        parseLimit(r.URL.Query().Get("limit")),
	})
}

func (h *DeliveryHandler) list(w http.ResponseWriter, r *http.Request, filter store.DeliveryLogFilter) {
	logs, err := h.store.ListDeliveryLogs(r.Context(), filter)
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, logs)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.store.GetDeliveryLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to get delivery")
		return
	}

	respondJSON(w, http.StatusOK, l)
}

func parseLimit(s string) int {
	limit := defaultListLimit
	if s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, maxListLimit)
}
