package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	ws "github.com/Priya8975/webhook-dispatcher/internal/websocket"
)

type DashboardHandler struct {
	store  store.Store
	hub    *ws.Hub
	logger *slog.Logger
}

func NewDashboardHandler(s store.Store, hub *ws.Hub, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{store: s, hub: hub, logger: logger}
}

// Metrics returns aggregated delivery metrics for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to get metrics")
		return
	}

	type metricsResponse struct {
		store.DeliveryMetrics
		WebSocketClients int `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DeliveryMetrics:  *metrics,
		WebSocketClients: h.hub.ClientCount(),
	})
}

// SubscriberHealth returns the breaker state of every subscriber.
func (h *DashboardHandler) SubscriberHealth(w http.ResponseWriter, r *http.Request) {
	subscribers, err := h.store.ListSubscribers(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to list subscribers")
		return
	}

	type subscriberHealth struct {
		ID             string                     `json:"id"`
		Name           string                     `json:"name"`
		URL            string                     `json:"url"`
		IsActive       bool                       `json:"is_active"`
		CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
	}

	result := make([]subscriberHealth, 0, len(subscribers))
	for _, sub := range subscribers {
		result = append(result, subscriberHealth{
			ID:             sub.ID,
			Name:           sub.Name,
			URL:            sub.URL,
			IsActive:       sub.IsActive,
			CircuitBreaker: engine.GetState(sub),
		})
	}

	respondJSON(w, http.StatusOK, result)
}
