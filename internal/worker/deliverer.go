package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/signature"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/Priya8975/webhook-dispatcher/internal/websocket"
	"github.com/go-resty/resty/v2"
)

const DefaultUserAgent = "WebhookDispatcher-Webhook/1.0"

// maxResponseBytes bounds how much of a reply is read: enough for
// MaxResponseBodyChars characters of any width.
const maxResponseBytes = domain.MaxResponseBodyChars*utf8.UTFMax + 1

// Headers set on every delivery.
const (
	HeaderEvent    = "X-Webhook-Event"
	HeaderID       = "X-Webhook-ID"
	HeaderDelivery = "X-Webhook-Delivery"
)

// DeliveryResult describes one HTTP attempt.
type DeliveryResult struct {
	Success      bool                `json:"success"`
	HTTPStatus   *int                `json:"http_status,omitempty"`
	ResponseBody *string             `json:"response_body,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Duration     time.Duration       `json:"duration"`
	Log          *domain.DeliveryLog `json:"delivery,omitempty"`
}

// Executor performs a single delivery attempt.
type Executor interface {
	Deliver(ctx context.Context, sub domain.Subscriber, log domain.DeliveryLog) DeliveryResult
}

// Deliverer POSTs signed envelopes to subscriber endpoints and records the
// outcome on the delivery log and the subscriber.
type Deliverer struct {
	client    *resty.Client
	store     store.DeliveryLogStore
	breaker   *engine.CircuitBreaker
	limiter   *engine.RateLimiter
	metrics   *metrics.Metrics
	hub       *websocket.Hub
	userAgent string
	logger    *slog.Logger
	now       func() time.Time
}

type DelivererOption func(*Deliverer)

func WithRateLimiter(rl *engine.RateLimiter) DelivererOption {
	return func(d *Deliverer) { d.limiter = rl }
}

func WithMetrics(m *metrics.Metrics) DelivererOption {
	return func(d *Deliverer) { d.metrics = m }
}

func WithHub(h *websocket.Hub) DelivererOption {
	return func(d *Deliverer) { d.hub = h }
}

func WithUserAgent(ua string) DelivererOption {
	return func(d *Deliverer) {
		if ua != "" {
			d.userAgent = ua
		}
	}
}

// WithHTTPClient replaces the resty client. Retries are always disabled;
// retry scheduling belongs to the sweeper.
func WithHTTPClient(c *resty.Client) DelivererOption {
	return func(d *Deliverer) {
		if c != nil {
			d.client = c
		}
	}
}

func NewDeliverer(s store.DeliveryLogStore, breaker *engine.CircuitBreaker, logger *slog.Logger, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{
		client:    resty.New(),
		store:     s,
		breaker:   breaker,
		userAgent: DefaultUserAgent,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.client.SetRetryCount(0)
	return d
}

// Deliver makes one attempt for log. Failures are recorded, never returned:
// the caller only gets a description of what happened.
func (d *Deliverer) Deliver(ctx context.Context, sub domain.Subscriber, log domain.DeliveryLog) DeliveryResult {
	if log.Status.IsTerminal() {
		return DeliveryResult{ErrorMessage: domain.ErrDeliveryFinalized.Error(), Log: &log}
	}
	// Outcomes are persisted even if the caller gives up on ctx.
	persistCtx := context.WithoutCancel(ctx)

	if d.limiter != nil {
		waited, err := d.limiter.Wait(ctx, sub.ID, sub.RateLimitPerSecond)
		if waited {
			d.metrics.IncRateLimited()
		}
		if err != nil {
			// The endpoint was never called, so the breaker is left alone.
			return d.recordFailure(persistCtx, sub, log, err.Error(), nil, nil, 0, false)
		}
	}

	d.metrics.IncInflight()
	defer d.metrics.DecInflight()

	now := d.now().UTC()
	body, err := json.Marshal(domain.Envelope{
		Event:        log.Event,
		Timestamp:    now.Format(domain.TimestampLayout),
		Data:         log.Payload,
		SubscriberID: sub.ID,
	})
	if err != nil {
		return d.recordFailure(persistCtx, sub, log, fmt.Sprintf("encoding envelope: %v", err), nil, nil, 0, true)
	}

	reqCtx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	start := time.Now()
	resp, err := d.client.R().
		SetContext(reqCtx).
		SetHeaders(d.headers(sub, log, body)).
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(sub.URL)
	if err != nil {
		return d.recordFailure(persistCtx, sub, log, err.Error(), nil, nil, time.Since(start), true)
	}

	status := resp.StatusCode()
	respBody := d.readBody(resp, log)
	elapsed := time.Since(start)
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return d.recordSuccess(persistCtx, sub, log, status, respBody, elapsed)
	}

	msg := fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
	return d.recordFailure(persistCtx, sub, log, msg, &status, &respBody, elapsed, true)
}

// readBody keeps at most maxResponseBytes of the reply. The status code
// already decided the outcome, so a broken body only shortens the copy.
func (d *Deliverer) readBody(resp *resty.Response, log domain.DeliveryLog) string {
	raw := resp.RawBody()
	if raw == nil {
		return ""
	}
	defer raw.Close()

	b, err := io.ReadAll(io.LimitReader(raw, maxResponseBytes))
	if err != nil {
		d.logger.Debug("response body read incomplete", "delivery_id", log.ID, "error", err)
	}
	return string(b)
}

func (d *Deliverer) headers(sub domain.Subscriber, log domain.DeliveryLog, body []byte) map[string]string {
	h := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   d.userAgent,
		HeaderEvent:    log.Event,
		HeaderID:       sub.ID,
		HeaderDelivery: log.ID,
	}
	for k, v := range sub.Headers {
		h[k] = v
	}
	if sub.Secret != "" {
		h[signature.HeaderName] = signature.Sign(body, sub.Secret)
	}
	return h
}

func (d *Deliverer) recordSuccess(ctx context.Context, sub domain.Subscriber, log domain.DeliveryLog, status int, body string, elapsed time.Duration) DeliveryResult {
	now := d.now().UTC()
	result := DeliveryResult{
		Success:      true,
		HTTPStatus:   &status,
		ResponseBody: &body,
		Duration:     elapsed,
	}

	updated, err := d.store.UpdateDeliveryLog(ctx, log.ID, func(l domain.DeliveryLog) (domain.DeliveryLog, error) {
		return l.MarkSuccess(status, body, now)
	})
	if err != nil {
		d.logUpdateError(err, sub, log)
		result.Log = &log
		return result
	}
	result.Log = updated

	if _, err := d.breaker.RecordSuccess(ctx, sub.ID); err != nil {
		d.logger.Error("failed to record subscriber success", "subscriber_id", sub.ID, "error", err)
	}

	d.logger.Info("delivery successful",
		"delivery_id", log.ID,
		"subscriber_id", sub.ID,
		"event", log.Event,
		"attempt", updated.AttemptCount,
		"status_code", status,
		"response_time_ms", elapsed.Milliseconds(),
	)
	d.publish(websocket.EventDeliverySuccess, *updated, elapsed)
	d.metrics.ObserveDelivery(log.Event, metrics.OutcomeSuccess, elapsed)
	return result
}

func (d *Deliverer) recordFailure(ctx context.Context, sub domain.Subscriber, log domain.DeliveryLog, msg string, status *int, body *string, elapsed time.Duration, countFailure bool) DeliveryResult {
	now := d.now().UTC()
	result := DeliveryResult{
		HTTPStatus:   status,
		ResponseBody: body,
		ErrorMessage: msg,
		Duration:     elapsed,
	}

	updated, err := d.store.UpdateDeliveryLog(ctx, log.ID, func(l domain.DeliveryLog) (domain.DeliveryLog, error) {
		return l.MarkFailed(msg, status, body, now)
	})
	if err != nil {
		d.logUpdateError(err, sub, log)
		result.Log = &log
		return result
	}
	result.Log = updated

	if countFailure {
		if _, err := d.breaker.RecordFailure(ctx, sub.ID); err != nil {
			d.logger.Error("failed to record subscriber failure", "subscriber_id", sub.ID, "error", err)
		}
	}

	attrs := []any{
		"delivery_id", log.ID,
		"subscriber_id", sub.ID,
		"event", log.Event,
		"attempt", updated.AttemptCount,
		"max_attempts", updated.MaxAttempts,
		"error", msg,
		"response_time_ms", elapsed.Milliseconds(),
	}
	if status != nil {
		attrs = append(attrs, "status_code", *status)
	}

	outcome := metrics.OutcomeRetrying
	eventType := websocket.EventDeliveryRetrying
	if updated.Status == domain.DeliveryFailed {
		outcome = metrics.OutcomeFailed
		eventType = websocket.EventDeliveryFailed
		d.logger.Error("delivery failed permanently", attrs...)
	} else {
		d.logger.Warn("delivery failed", append(attrs, "next_retry_at", updated.NextRetryAt)...)
	}
	d.publish(eventType, *updated, elapsed)
	d.metrics.ObserveDelivery(log.Event, outcome, elapsed)
	return result
}

func (d *Deliverer) logUpdateError(err error, sub domain.Subscriber, log domain.DeliveryLog) {
	if errors.Is(err, domain.ErrDeliveryFinalized) {
		d.logger.Warn("delivery already finalized, outcome discarded",
			"delivery_id", log.ID,
			"subscriber_id", sub.ID,
		)
		return
	}
	d.logger.Error("failed to record delivery attempt",
		"delivery_id", log.ID,
		"subscriber_id", sub.ID,
		"error", err,
	)
}

func (d *Deliverer) publish(eventType string, log domain.DeliveryLog, elapsed time.Duration) {
	ev := websocket.DeliveryEvent{
		Type:         eventType,
		DeliveryID:   log.ID,
		SubscriberID: log.SubscriberID,
		Event:        log.Event,
		Attempt:      log.AttemptCount,
		MaxAttempts:  log.MaxAttempts,
		Status:       string(log.Status),
		HTTPStatus:   log.HTTPStatus,
		DurationMs:   elapsed.Milliseconds(),
		Timestamp:    log.UpdatedAt,
	}
	if log.ErrorMessage != nil {
		ev.Error = *log.ErrorMessage
	}
	d.hub.Broadcast(ev)
}
