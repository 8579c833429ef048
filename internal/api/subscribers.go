package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// EventTest is the event name used by test deliveries.
const EventTest = "webhook.test"

type SubscriberHandler struct {
	store     store.Store
	breaker   *engine.CircuitBreaker
	deliverer worker.Executor
	logger    *slog.Logger
}

func NewSubscriberHandler(s store.Store, cb *engine.CircuitBreaker, d worker.Executor, logger *slog.Logger) *SubscriberHandler {
	return &SubscriberHandler{store: s, breaker: cb, deliverer: d, logger: logger}
}

// redact hides the signing secret outside of the create response.
func redact(sub domain.Subscriber) domain.Subscriber {
	sub.Secret = ""
	return sub
}

func (h *SubscriberHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	secret, err := generateSecret()
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to generate secret")
		return
	}

	sub := req.ToSubscriber(secret)
	if err := sub.Validate(); err != nil {
		respondDomainError(w, h.logger, err, "invalid subscriber")
		return
	}

	created, err := h.store.CreateSubscriber(r.Context(), sub)
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to create subscriber")
		return
	}

	h.logger.Info("subscriber created", "subscriber_id", created.ID, "events", created.Events)
	respondJSON(w, http.StatusCreated, created)
}

func (h *SubscriberHandler) List(w http.ResponseWriter, r *http.Request) {
	subscribers, err := h.store.ListSubscribers(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to list subscribers")
		return
	}

	for i := range subscribers {
		subscribers[i] = redact(subscribers[i])
	}
	respondJSON(w, http.StatusOK, subscribers)
}

func (h *SubscriberHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscriber(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to get subscriber")
		return
	}

	respondJSON(w, http.StatusOK, redact(*sub))
}

func (h *SubscriberHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.UpdateSubscriberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now().UTC()
	sub, err := h.store.UpdateSubscriber(r.Context(), id, func(s domain.Subscriber) (domain.Subscriber, error) {
		updated := req.Apply(s, now)
		if err := updated.Validate(); err != nil {
			return s, err
		}
		return updated, nil
	})
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to update subscriber")
		return
	}

	respondJSON(w, http.StatusOK, redact(*sub))
}

func (h *SubscriberHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteSubscriber(r.Context(), id); err != nil {
		respondDomainError(w, h.logger, err, "failed to delete subscriber")
		return
	}

	h.logger.Info("subscriber deleted", "subscriber_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// Reset closes an open circuit after the endpoint has been fixed.
func (h *SubscriberHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sub, err := h.breaker.Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to reset subscriber")
		return
	}

	respondJSON(w, http.StatusOK, redact(*sub))
}

func (h *SubscriberHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscriber(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to get subscriber")
		return
	}

	counts, err := h.store.CountDeliveries(r.Context(), sub.ID)
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to count deliveries")
		return
	}

	respondJSON(w, http.StatusOK, domain.NewDeliveryStats(*sub, counts.Total, counts.Successful, counts.Failed))
}

func (h *SubscriberHandler) Health(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscriber(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to get subscriber")
		return
	}

	type healthResponse struct {
		SubscriberID   string                     `json:"subscriber_id"`
		Name           string                     `json:"name"`
		URL            string                     `json:"url"`
		Status         domain.SubscriberStatus    `json:"status"`
		IsActive       bool                       `json:"is_active"`
		CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
	}

	respondJSON(w, http.StatusOK, healthResponse{
		SubscriberID:   sub.ID,
		Name:           sub.Name,
		URL:            sub.URL,
		Status:         sub.Status,
		IsActive:       sub.IsActive,
		CircuitBreaker: engine.GetState(*sub),
	})
}

// Test sends a synthetic event to the subscriber and waits for the result.
// It goes through the normal delivery path, so the outcome is logged and
// counts towards the circuit breaker.
func (h *SubscriberHandler) Test(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscriber(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, err, "failed to get subscriber")
		return
	}

	now := time.Now().UTC()
	payload, err := json.Marshal(map[string]any{
		"test":    true,
		"message": "This is a test webhook delivery",
		"sent_at": now.Format(domain.TimestampLayout),
	})
	if err != nil {
		respondDomainError(w, h.logger, fmt.Errorf("encoding test payload: %w", err), "failed to build test delivery")
		return
	}
	log := domain.NewDeliveryLog(uuid.NewString(), *sub, EventTest, payload, nil, now)
	// A test is a single attempt; it is never picked up by the sweeper.
	log.MaxAttempts = 1
	if err := h.store.CreateDeliveryLog(r.Context(), log); err != nil {
		respondDomainError(w, h.logger, err, "failed to create test delivery")
		return
	}

	result := h.deliverer.Deliver(r.Context(), *sub, log)
	respondJSON(w, http.StatusOK, result)
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
