package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/google/uuid"
)

// DeliveryJob is one delivery attempt handed to the worker pool.
type DeliveryJob struct {
	Subscriber domain.Subscriber
	Log        domain.DeliveryLog
}

// Submitter accepts jobs without blocking the caller.
type Submitter interface {
	Submit(job DeliveryJob)
}

// Dispatcher fans business events out to matching subscribers.
type Dispatcher struct {
	store     store.Store
	breaker   *CircuitBreaker
	submitter Submitter
	logger    *slog.Logger
	now       func() time.Time
}

func NewDispatcher(s store.Store, breaker *CircuitBreaker, submitter Submitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     s,
		breaker:   breaker,
		submitter: submitter,
		logger:    logger,
		now:       time.Now,
	}
}

// Trigger records a pending delivery log for every subscriber listening to
// event and queues the deliveries. Every log row exists when Trigger
// returns; the HTTP attempts happen later on the worker pool and their
// failures never surface here. It returns the ids of the created logs.
func (d *Dispatcher) Trigger(ctx context.Context, event string, data any, actorID *string) ([]string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("serializing %s payload: %w", event, err)
	}

	subscribers, err := d.store.ListActiveSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading subscribers: %w", err)
	}

	var matched []domain.Subscriber
	for _, sub := range subscribers {
		if sub.ShouldTrigger(event) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		d.logger.Debug("no subscribers for event", "event", event)
		return nil, nil
	}

	now := d.now().UTC()
	jobs := make([]DeliveryJob, 0, len(matched))
	var createErr error
	for _, sub := range matched {
		log := domain.NewDeliveryLog(uuid.NewString(), sub, event, payload, actorID, now)
		if err := d.store.CreateDeliveryLog(ctx, log); err != nil {
			createErr = fmt.Errorf("creating delivery log for subscriber %s: %w", sub.ID, err)
			break
		}
		jobs = append(jobs, DeliveryJob{Subscriber: sub, Log: log})
	}

	// Logs that were written still get delivered even if a later write failed.
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if updated, err := d.breaker.RecordTrigger(ctx, job.Subscriber.ID); err != nil {
			d.logger.Warn("failed to record trigger",
				"subscriber_id", job.Subscriber.ID,
				"error", err,
			)
		} else {
			job.Subscriber = *updated
		}
		d.submitter.Submit(job)
		ids = append(ids, job.Log.ID)
	}

	d.logger.Info("event dispatched",
		"event", event,
		"deliveries_queued", len(ids),
	)
	return ids, createErr
}
