package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/Priya8975/webhook-dispatcher/internal/websocket"
)

// Circuit breaker states
const (
	StateClosed = "closed"
	StateOpen   = "open"
)

// CircuitBreaker persists per-subscriber health on the subscriber row.
//
// - Closed: the subscriber is eligible. Consecutive failures are counted.
// - Open: failures reached max_retries and the subscriber is disabled.
//
// There is no cooldown. An open circuit only closes through Reset.
type CircuitBreaker struct {
	store   store.SubscriberStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	hub     *websocket.Hub
	now     func() time.Time
}

// CircuitBreakerState is the breaker view of a subscriber.
type CircuitBreakerState struct {
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	Threshold     int        `json:"threshold"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

func NewCircuitBreaker(s store.SubscriberStore, logger *slog.Logger, m *metrics.Metrics, hub *websocket.Hub) *CircuitBreaker {
	return &CircuitBreaker{
		store:   s,
		logger:  logger,
		metrics: m,
		hub:     hub,
		now:     time.Now,
	}
}

// RecordTrigger stamps the subscriber as just triggered.
func (cb *CircuitBreaker) RecordTrigger(ctx context.Context, subscriberID string) (*domain.Subscriber, error) {
	now := cb.now().UTC()
	sub, err := cb.store.UpdateSubscriber(ctx, subscriberID, func(s domain.Subscriber) (domain.Subscriber, error) {
		return s.RecordTrigger(now), nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording trigger: %w", err)
	}
	return sub, nil
}

// RecordSuccess closes the failure streak.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, subscriberID string) (*domain.Subscriber, error) {
	now := cb.now().UTC()
	sub, err := cb.store.UpdateSubscriber(ctx, subscriberID, func(s domain.Subscriber) (domain.Subscriber, error) {
		return s.RecordSuccess(now), nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording success: %w", err)
	}
	return sub, nil
}

// RecordFailure counts a failed attempt and opens the circuit once the
// count reaches the subscriber's max_retries.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, subscriberID string) (*domain.Subscriber, error) {
	now := cb.now().UTC()
	var opened bool
	sub, err := cb.store.UpdateSubscriber(ctx, subscriberID, func(s domain.Subscriber) (domain.Subscriber, error) {
		next := s.RecordFailure(now)
		opened = s.Status != domain.SubscriberDisabled && next.Status == domain.SubscriberDisabled
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording failure: %w", err)
	}

	if opened {
		cb.logger.Warn("circuit breaker opened",
			"subscriber_id", sub.ID,
			"failures", sub.FailureCount,
			"threshold", sub.MaxRetries,
		)
		cb.metrics.IncBreakerOpened()
		cb.hub.Broadcast(websocket.DeliveryEvent{
			Type:         websocket.EventSubscriberDisabled,
			SubscriberID: sub.ID,
			Status:       string(sub.Status),
			Timestamp:    now,
		})
	}
	return sub, nil
}

// Reset clears failures and re-enables the subscriber.
func (cb *CircuitBreaker) Reset(ctx context.Context, subscriberID string) (*domain.Subscriber, error) {
	now := cb.now().UTC()
	sub, err := cb.store.UpdateSubscriber(ctx, subscriberID, func(s domain.Subscriber) (domain.Subscriber, error) {
		return s.Reset(now), nil
	})
	if err != nil {
		return nil, fmt.Errorf("resetting subscriber: %w", err)
	}

	cb.logger.Info("circuit breaker reset", "subscriber_id", sub.ID)
	cb.hub.Broadcast(websocket.DeliveryEvent{
		Type:         websocket.EventSubscriberReset,
		SubscriberID: sub.ID,
		Status:       string(sub.Status),
		Timestamp:    now,
	})
	return sub, nil
}

// GetState derives the breaker view from a loaded subscriber.
func GetState(sub domain.Subscriber) CircuitBreakerState {
	state := StateClosed
	if sub.Status == domain.SubscriberDisabled {
		state = StateOpen
	}
	return CircuitBreakerState{
		State:         state,
		Failures:      sub.FailureCount,
		Threshold:     sub.MaxRetries,
		LastFailureAt: sub.LastFailureAt,
	}
}
