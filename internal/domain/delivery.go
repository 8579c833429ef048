package domain

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// DeliveryStatus is the state of a DeliveryLog.
//
//	pending  -> success | retrying | failed
//	retrying -> success | retrying | failed
//
// success and failed are terminal.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryPending, DeliverySuccess, DeliveryFailed, DeliveryRetrying:
		return true
	}
	return false
}

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

const (
	// RetryBaseDelay seeds the backoff. It is fixed and does not follow the
	// subscriber's RetryDelayMs.
	RetryBaseDelay   = 5 * time.Second
	RetryBackoffBase = 5

	MaxResponseBodyChars = 10000
	MaxErrorMessageChars = 1000
)

// DeliveryLog tracks one event-to-subscriber delivery across all of its attempts.
type DeliveryLog struct {
	ID           string          `json:"id"`
	SubscriberID string          `json:"subscriber_id"`
	Event        string          `json:"event"`
	ActorID      *string         `json:"actor_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Status       DeliveryStatus  `json:"status"`
	HTTPStatus   *int            `json:"http_status,omitempty"`
	ResponseBody *string         `json:"response_body,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewDeliveryLog builds the pending log for one fan-out target.
func NewDeliveryLog(id string, sub Subscriber, event string, payload json.RawMessage, actorID *string, now time.Time) DeliveryLog {
	return DeliveryLog{
		ID:           id,
		SubscriberID: sub.ID,
		Event:        event,
		ActorID:      actorID,
		Payload:      payload,
		Status:       DeliveryPending,
		AttemptCount: 0,
		MaxAttempts:  sub.MaxRetries + 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// RetryDelay returns the wait before the next attempt once attempt
// attempts have failed: 5s, 25s, 125s, ...
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(RetryBackoffBase, float64(attempt-1))
	d := float64(RetryBaseDelay) * factor
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// MarkSuccess records an acknowledged attempt.
func (l DeliveryLog) MarkSuccess(httpStatus int, body string, now time.Time) (DeliveryLog, error) {
	if l.Status.IsTerminal() {
		return l, ErrDeliveryFinalized
	}
	l.AttemptCount++
	if l.AttemptCount > l.MaxAttempts {
		l.AttemptCount = l.MaxAttempts
	}
	l.Status = DeliverySuccess
	l.HTTPStatus = &httpStatus
	l.ResponseBody = truncatePtr(body, MaxResponseBodyChars)
	l.ErrorMessage = nil
	l.NextRetryAt = nil
	l.DeliveredAt = &now
	l.UpdatedAt = now
	return l, nil
}

// MarkFailed records a failed attempt and decides between retrying and
// giving up. httpStatus and body are nil for transport errors.
func (l DeliveryLog) MarkFailed(msg string, httpStatus *int, body *string, now time.Time) (DeliveryLog, error) {
	if l.Status.IsTerminal() {
		return l, ErrDeliveryFinalized
	}
	l.AttemptCount++
	l.ErrorMessage = truncatePtr(msg, MaxErrorMessageChars)
	l.HTTPStatus = httpStatus
	l.ResponseBody = nil
	if body != nil {
		l.ResponseBody = truncatePtr(*body, MaxResponseBodyChars)
	}
	l.UpdatedAt = now

	if l.AttemptCount >= l.MaxAttempts {
		l.AttemptCount = l.MaxAttempts
		l.Status = DeliveryFailed
		l.NextRetryAt = nil
		return l, nil
	}

	next := now.Add(RetryDelay(l.AttemptCount))
	l.Status = DeliveryRetrying
	l.NextRetryAt = &next
	return l, nil
}

// IsDue reports whether a retrying log may be attempted at now.
func (l DeliveryLog) IsDue(now time.Time) bool {
	return l.Status == DeliveryRetrying && l.NextRetryAt != nil && !l.NextRetryAt.After(now)
}

// Truncate cuts s to at most n characters. Invalid UTF-8 is replaced and
// NUL bytes are dropped so the result can be stored in a TEXT column.
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func truncatePtr(s string, n int) *string {
	t := Truncate(s, n)
	return &t
}
