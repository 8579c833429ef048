package domain

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// SubscriberStatus is the administrative state of a subscriber.
type SubscriberStatus string

const (
	SubscriberActive   SubscriberStatus = "active"
	SubscriberInactive SubscriberStatus = "inactive"
	SubscriberDisabled SubscriberStatus = "disabled"
)

func (s SubscriberStatus) IsValid() bool {
	switch s {
	case SubscriberActive, SubscriberInactive, SubscriberDisabled:
		return true
	}
	return false
}

// Defaults applied to subscribers created without explicit delivery settings.
const (
	DefaultTimeoutMs    = 30000
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 5000
)

// Subscriber is a registered delivery target.
type Subscriber struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	Events             []string          `json:"events"`
	Secret             string            `json:"secret,omitempty"`
	Headers            map[string]string `json:"headers"`
	TimeoutMs          int               `json:"timeout_ms"`
	MaxRetries         int               `json:"max_retries"`
	RetryDelayMs       int               `json:"retry_delay_ms"`
	RateLimitPerSecond int               `json:"rate_limit_per_second"`
	Status             SubscriberStatus  `json:"status"`
	IsActive           bool              `json:"is_active"`
	FailureCount       int               `json:"failure_count"`
	LastTriggeredAt    *time.Time        `json:"last_triggered_at,omitempty"`
	LastSuccessAt      *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt      *time.Time        `json:"last_failure_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Timeout returns the per-request timeout configured for the subscriber.
func (s Subscriber) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return time.Duration(DefaultTimeoutMs) * time.Millisecond
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// IsEligible reports whether the subscriber accepts deliveries at all.
func (s Subscriber) IsEligible() bool {
	return s.IsActive && s.Status == SubscriberActive
}

// ShouldTrigger reports whether the subscriber must receive event.
func (s Subscriber) ShouldTrigger(event string) bool {
	return s.IsEligible() && slices.Contains(s.Events, event)
}

// RecordTrigger stamps the time the subscriber was last handed an event.
func (s Subscriber) RecordTrigger(now time.Time) Subscriber {
	s.LastTriggeredAt = &now
	s.UpdatedAt = now
	return s
}

// RecordSuccess closes the breaker: the failure streak is forgotten.
func (s Subscriber) RecordSuccess(now time.Time) Subscriber {
	s.LastSuccessAt = &now
	s.LastTriggeredAt = &now
	s.FailureCount = 0
	s.UpdatedAt = now
	return s
}

// RecordFailure counts a failed delivery and disables the subscriber once
// the streak reaches MaxRetries. Disabling sticks until Reset.
func (s Subscriber) RecordFailure(now time.Time) Subscriber {
	s.FailureCount++
	s.LastFailureAt = &now
	s.UpdatedAt = now
	if s.FailureCount >= s.MaxRetries {
		s.Status = SubscriberDisabled
		s.IsActive = false
	}
	return s
}

// Reset re-enables a subscriber after a manual review.
func (s Subscriber) Reset(now time.Time) Subscriber {
	s.FailureCount = 0
	s.Status = SubscriberActive
	s.IsActive = true
	s.UpdatedAt = now
	return s
}

// Validate checks the fields the delivery engine depends on.
func (s Subscriber) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.ParseRequestURI(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrValidation)
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrValidation)
	}
	for _, e := range s.Events {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("%w: event names must not be empty", ErrValidation)
		}
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrValidation)
	}
	if s.TimeoutMs < 0 || s.RetryDelayMs < 0 || s.RateLimitPerSecond < 0 {
		return fmt.Errorf("%w: timeout_ms, retry_delay_ms and rate_limit_per_second must be >= 0", ErrValidation)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, s.Status)
	}
	if s.Status == SubscriberDisabled && s.IsActive {
		return fmt.Errorf("%w: a disabled subscriber cannot be active", ErrValidation)
	}
	return nil
}

type CreateSubscriberRequest struct {
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	Events             []string          `json:"events"`
	Secret             *string           `json:"secret,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	TimeoutMs          *int              `json:"timeout_ms,omitempty"`
	MaxRetries         *int              `json:"max_retries,omitempty"`
	RetryDelayMs       *int              `json:"retry_delay_ms,omitempty"`
	RateLimitPerSecond int               `json:"rate_limit_per_second,omitempty"`
}

type UpdateSubscriberRequest struct {
	Name               *string            `json:"name,omitempty"`
	URL                *string            `json:"url,omitempty"`
	Events             []string           `json:"events,omitempty"`
	Headers            *map[string]string `json:"headers,omitempty"`
	TimeoutMs          *int               `json:"timeout_ms,omitempty"`
	MaxRetries         *int               `json:"max_retries,omitempty"`
	RetryDelayMs       *int               `json:"retry_delay_ms,omitempty"`
	RateLimitPerSecond *int               `json:"rate_limit_per_second,omitempty"`
	IsActive           *bool              `json:"is_active,omitempty"`
}

// Apply merges the request into s. Toggling is_active moves the subscriber
// between active and inactive; it never clears a disabled breaker.
func (r UpdateSubscriberRequest) Apply(s Subscriber, now time.Time) Subscriber {
	if r.Name != nil {
		s.Name = *r.Name
	}
	if r.URL != nil {
		s.URL = *r.URL
	}
	if r.Events != nil {
		s.Events = slices.Clone(r.Events)
	}
	if r.Headers != nil {
		s.Headers = *r.Headers
	}
	if r.TimeoutMs != nil {
		s.TimeoutMs = *r.TimeoutMs
	}
	if r.MaxRetries != nil {
		s.MaxRetries = *r.MaxRetries
	}
	if r.RetryDelayMs != nil {
		s.RetryDelayMs = *r.RetryDelayMs
	}
	if r.RateLimitPerSecond != nil {
		s.RateLimitPerSecond = *r.RateLimitPerSecond
	}
	if r.IsActive != nil && s.Status != SubscriberDisabled {
		s.IsActive = *r.IsActive
		if s.IsActive {
			s.Status = SubscriberActive
		} else {
			s.Status = SubscriberInactive
		}
	}
	s.UpdatedAt = now
	return s
}

// ToSubscriber builds an active subscriber from the request, filling in
// delivery defaults. secret is used when the request does not carry one.
func (r CreateSubscriberRequest) ToSubscriber(secret string) Subscriber {
	sub := Subscriber{
		Name:               strings.TrimSpace(r.Name),
		URL:                strings.TrimSpace(r.URL),
		Events:             slices.Clone(r.Events),
		Secret:             secret,
		Headers:            r.Headers,
		TimeoutMs:          DefaultTimeoutMs,
		MaxRetries:         DefaultMaxRetries,
		RetryDelayMs:       DefaultRetryDelayMs,
		RateLimitPerSecond: r.RateLimitPerSecond,
		Status:             SubscriberActive,
		IsActive:           true,
	}
	if r.Secret != nil {
		sub.Secret = *r.Secret
	}
	if sub.Headers == nil {
		sub.Headers = map[string]string{}
	}
	if r.TimeoutMs != nil {
		sub.TimeoutMs = *r.TimeoutMs
	}
	if r.MaxRetries != nil {
		sub.MaxRetries = *r.MaxRetries
	}
	if r.RetryDelayMs != nil {
		sub.RetryDelayMs = *r.RetryDelayMs
	}
	return sub
}
