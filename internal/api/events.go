package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Priya8975/webhook-dispatcher/internal/engine"
)

type EventHandler struct {
	dispatcher *engine.Dispatcher
	logger     *slog.Logger
}

func NewEventHandler(d *engine.Dispatcher, logger *slog.Logger) *EventHandler {
	return &EventHandler{dispatcher: d, logger: logger}
}

type createEventRequest struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	ActorID *string         `json:"actor_id,omitempty"`
}

type createEventResponse struct {
	Event            string   `json:"event"`
	DeliveriesQueued int      `json:"deliveries_queued"`
	DeliveryIDs      []string `json:"delivery_ids"`
}

// Create raises an event. Deliveries run in the background; the response
// only reports which logs were created.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Event = strings.TrimSpace(req.Event)
	if req.Event == "" {
		respondError(w, http.StatusBadRequest, "event is required")
		return
	}
	if len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "data is required")
		return
	}

	ids, err := h.dispatcher.Trigger(r.Context(), req.Event, req.Data, req.ActorID)
	if err != nil {
		h.logger.Error("failed to trigger event", "event", req.Event, "error", err)
		if len(ids) == 0 {
			respondError(w, http.StatusInternalServerError, "failed to trigger event")
			return
		}
	}
	if ids == nil {
		ids = []string{}
	}

	respondJSON(w, http.StatusAccepted, createEventResponse{
		Event:            req.Event,
		DeliveriesQueued: len(ids),
		DeliveryIDs:      ids,
	})
}
