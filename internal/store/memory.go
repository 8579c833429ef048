package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It backs local runs
// without DATABASE_URL and the package tests.
type MemoryStore struct {
	mu          sync.RWMutex
	subscribers map[string]domain.Subscriber
	logs        map[string]domain.DeliveryLog
	now         func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		subscribers: make(map[string]domain.Subscriber),
		logs:        make(map[string]domain.DeliveryLog),
		now:         time.Now,
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateSubscriber(_ context.Context, sub domain.Subscriber) (*domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub = cloneSubscriber(sub)
	s.subscribers[sub.ID] = sub

	out := cloneSubscriber(sub)
	return &out, nil
}

func (s *MemoryStore) GetSubscriber(_ context.Context, id string) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[id]
	if !ok {
		return nil, domain.ErrSubscriberNotFound
	}
	out := cloneSubscriber(sub)
	return &out, nil
}

func (s *MemoryStore) ListSubscribers(_ context.Context) ([]domain.Subscriber, error) {
	return s.listSubscribers(func(domain.Subscriber) bool { return true }), nil
}

func (s *MemoryStore) ListActiveSubscribers(_ context.Context) ([]domain.Subscriber, error) {
	return s.listSubscribers(domain.Subscriber.IsEligible), nil
}

func (s *MemoryStore) listSubscribers(keep func(domain.Subscriber) bool) []domain.Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subscribers := []domain.Subscriber{}
	for _, sub := range s.subscribers {
		if keep(sub) {
			subscribers = append(subscribers, cloneSubscriber(sub))
		}
	}
	sort.Slice(subscribers, func(i, j int) bool {
		return subscribers[i].CreatedAt.After(subscribers[j].CreatedAt)
	})
	return subscribers
}

func (s *MemoryStore) UpdateSubscriber(_ context.Context, id string, fn SubscriberUpdate) (*domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[id]
	if !ok {
		return nil, domain.ErrSubscriberNotFound
	}
	updated, err := fn(cloneSubscriber(sub))
	if err != nil {
		return nil, err
	}
	updated.ID = sub.ID
	updated.CreatedAt = sub.CreatedAt
	s.subscribers[id] = cloneSubscriber(updated)

	out := cloneSubscriber(updated)
	return &out, nil
}

func (s *MemoryStore) DeleteSubscriber(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[id]; !ok {
		return domain.ErrSubscriberNotFound
	}
	delete(s.subscribers, id)
	for logID, l := range s.logs {
		if l.SubscriberID == id {
			delete(s.logs, logID)
		}
	}
	return nil
}

func (s *MemoryStore) CreateDeliveryLog(_ context.Context, l domain.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[l.SubscriberID]; !ok {
		return domain.ErrSubscriberNotFound
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	s.logs[l.ID] = cloneLog(l)
	return nil
}

func (s *MemoryStore) GetDeliveryLog(_ context.Context, id string) (*domain.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[id]
	if !ok {
		return nil, domain.ErrDeliveryNotFound
	}
	out := cloneLog(l)
	return &out, nil
}

func (s *MemoryStore) ListDeliveryLogs(_ context.Context, filter DeliveryLogFilter) ([]domain.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := []domain.DeliveryLog{}
	for _, l := range s.logs {
		if filter.SubscriberID != "" && l.SubscriberID != filter.SubscriberID {
			continue
		}
		if filter.Event != "" && l.Event != filter.Event {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		logs = append(logs, cloneLog(l))
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(logs) > filter.Limit {
		logs = logs[:filter.Limit]
	}
	return logs, nil
}

func (s *MemoryStore) UpdateDeliveryLog(_ context.Context, id string, fn DeliveryLogUpdate) (*domain.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return nil, domain.ErrDeliveryNotFound
	}
	updated, err := fn(cloneLog(l))
	if err != nil {
		return nil, err
	}
	updated.ID = l.ID
	updated.CreatedAt = l.CreatedAt
	s.logs[id] = cloneLog(updated)

	out := cloneLog(updated)
	return &out, nil
}

func (s *MemoryStore) ListDueRetries(_ context.Context, now time.Time, limit int) ([]domain.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := []domain.DeliveryLog{}
	for _, l := range s.logs {
		if !l.IsDue(now) {
			continue
		}
		sub, ok := s.subscribers[l.SubscriberID]
		if !ok || !sub.IsEligible() {
			continue
		}
		due = append(due, cloneLog(l))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimDueRetry(_ context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok || !l.IsDue(now) {
		return false, nil
	}
	l.NextRetryAt = &leaseUntil
	l.UpdatedAt = now
	s.logs[id] = l
	return true, nil
}

func (s *MemoryStore) DeleteLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			delete(s.logs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) CountDeliveries(_ context.Context, subscriberID string) (DeliveryCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c DeliveryCounts
	for _, l := range s.logs {
		if l.SubscriberID != subscriberID {
			continue
		}
		c.Total++
		switch l.Status {
		case domain.DeliverySuccess:
			c.Successful++
		case domain.DeliveryFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *MemoryStore) GetDeliveryMetrics(_ context.Context) (*DeliveryMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m DeliveryMetrics
	for _, l := range s.logs {
		m.TotalDeliveries++
		switch l.Status {
		case domain.DeliverySuccess:
			m.SuccessCount++
		case domain.DeliveryFailed:
			m.FailedCount++
		case domain.DeliveryRetrying:
			m.RetryingCount++
		case domain.DeliveryPending:
			m.PendingCount++
		}
	}
	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}
	for _, sub := range s.subscribers {
		if sub.IsEligible() {
			m.ActiveSubscribers++
		}
		if sub.Status == domain.SubscriberDisabled {
			m.DisabledSubscribers++
		}
	}
	return &m, nil
}

func cloneSubscriber(sub domain.Subscriber) domain.Subscriber {
	sub.Events = slices.Clone(sub.Events)
	sub.Headers = maps.Clone(sub.Headers)
	return sub
}

func cloneLog(l domain.DeliveryLog) domain.DeliveryLog {
	l.Payload = slices.Clone(l.Payload)
	return l
}
