package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/google/uuid"
)

func seedSubscriber(t *testing.T, s *MemoryStore, maxRetries int) domain.Subscriber {
	t.Helper()
	sub, err := s.CreateSubscriber(context.Background(), domain.Subscriber{
		URL:        "https://example.com/hook",
		Events:     []string{domain.EventInvoiceCreated},
		MaxRetries: maxRetries,
		Status:     domain.SubscriberActive,
		IsActive:   true,
		Headers:    map[string]string{"X-Tenant": "acme"},
	})
	if err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}
	return *sub
}

func seedLog(t *testing.T, s *MemoryStore, sub domain.Subscriber, createdAt time.Time) domain.DeliveryLog {
	t.Helper()
	l := domain.NewDeliveryLog(uuid.NewString(), sub, domain.EventInvoiceCreated, json.RawMessage(`{"n":1}`), nil, createdAt)
	if err := s.CreateDeliveryLog(context.Background(), l); err != nil {
		t.Fatalf("CreateDeliveryLog() error = %v", err)
	}
	return l
}

func failLog(t *testing.T, s *MemoryStore, id string, now time.Time) domain.DeliveryLog {
	t.Helper()
	l, err := s.UpdateDeliveryLog(context.Background(), id, func(l domain.DeliveryLog) (domain.DeliveryLog, error) {
		return l.MarkFailed("boom", nil, nil, now)
	})
	if err != nil {
		t.Fatalf("UpdateDeliveryLog() error = %v", err)
	}
	return *l
}

func TestMemoryStore_SubscriberNotFound(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.GetSubscriber(ctx, "missing"); !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("GetSubscriber error = %v, want ErrSubscriberNotFound", err)
	}
	if err := s.DeleteSubscriber(ctx, "missing"); !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("DeleteSubscriber error = %v, want ErrSubscriberNotFound", err)
	}
	_, err := s.UpdateSubscriber(ctx, "missing", func(sub domain.Subscriber) (domain.Subscriber, error) { return sub, nil })
	if !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("UpdateSubscriber error = %v, want ErrSubscriberNotFound", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	sub := seedSubscriber(t, s, 3)

	got, _ := s.GetSubscriber(context.Background(), sub.ID)
	got.Headers["X-Tenant"] = "mutated"
	got.Events[0] = "mutated"

	again, _ := s.GetSubscriber(context.Background(), sub.ID)
	if again.Headers["X-Tenant"] != "acme" || again.Events[0] != domain.EventInvoiceCreated {
		t.Error("callers must not be able to mutate stored subscribers")
	}
}

func TestMemoryStore_ConcurrentFailuresAreNotLost(t *testing.T) {
	s := NewMemory()
	sub := seedSubscriber(t, s, 1000)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.UpdateSubscriber(context.Background(), sub.ID, func(sub domain.Subscriber) (domain.Subscriber, error) {
				return sub.RecordFailure(now), nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetSubscriber(context.Background(), sub.ID)
	if got.FailureCount != 50 {
		t.Errorf("FailureCount = %d, want 50", got.FailureCount)
	}
}

func TestMemoryStore_ListActiveSubscribers(t *testing.T) {
	s := NewMemory()
	active := seedSubscriber(t, s, 1)
	disabled := seedSubscriber(t, s, 1)
	s.UpdateSubscriber(context.Background(), disabled.ID, func(sub domain.Subscriber) (domain.Subscriber, error) {
		return sub.RecordFailure(time.Now()), nil
	})

	subs, err := s.ListActiveSubscribers(context.Background())
	if err != nil {
		t.Fatalf("ListActiveSubscribers() error = %v", err)
	}
	if len(subs) != 1 || subs[0].ID != active.ID {
		t.Errorf("got %d active subscribers, want only %s", len(subs), active.ID)
	}
}

func TestMemoryStore_ListDueRetries(t *testing.T) {
	s := NewMemory()
	now := time.Now()
	sub := seedSubscriber(t, s, 5)
	broken := seedSubscriber(t, s, 5)

	due := failLog(t, s, seedLog(t, s, sub, now).ID, now.Add(-time.Minute))
	failLog(t, s, seedLog(t, s, sub, now).ID, now) // backoff not elapsed
	seedLog(t, s, sub, now)                        // pending
	failLog(t, s, seedLog(t, s, broken, now).ID, now.Add(-time.Minute))

	s.UpdateSubscriber(context.Background(), broken.ID, func(sub domain.Subscriber) (domain.Subscriber, error) {
		sub.Status = domain.SubscriberDisabled
		sub.IsActive = false
		return sub, nil
	})

	logs, err := s.ListDueRetries(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("ListDueRetries() error = %v", err)
	}
	if len(logs) != 1 || logs[0].ID != due.ID {
		t.Fatalf("got %d due logs, want only %s", len(logs), due.ID)
	}
}

func TestMemoryStore_ClaimDueRetryIsExclusive(t *testing.T) {
	s := NewMemory()
	now := time.Now()
	sub := seedSubscriber(t, s, 5)
	l := failLog(t, s, seedLog(t, s, sub, now).ID, now.Add(-time.Minute))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimDueRetry(context.Background(), l.ID, now, now.Add(5*time.Minute))
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("%d callers claimed the log, want exactly 1", winners.Load())
	}

	claimed, _ := s.GetDeliveryLog(context.Background(), l.ID)
	if claimed.Status != domain.DeliveryRetrying || claimed.NextRetryAt == nil {
		t.Error("a claimed log stays retrying with a NextRetryAt")
	}
}

func TestMemoryStore_DeleteLogsBefore(t *testing.T) {
	s := NewMemory()
	now := time.Now()
	sub := seedSubscriber(t, s, 1)
	cutoff := now.AddDate(0, 0, -30)

	old := seedLog(t, s, sub, cutoff.Add(-time.Second))
	boundary := seedLog(t, s, sub, cutoff)
	fresh := seedLog(t, s, sub, now)

	deleted, err := s.DeleteLogsBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteLogsBefore() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := s.GetDeliveryLog(context.Background(), old.ID); !errors.Is(err, domain.ErrDeliveryNotFound) {
		t.Error("old log should be gone")
	}
	for _, id := range []string{boundary.ID, fresh.ID} {
		if _, err := s.GetDeliveryLog(context.Background(), id); err != nil {
			t.Errorf("log %s should be untouched: %v", id, err)
		}
	}
}

func TestMemoryStore_CountsAndMetrics(t *testing.T) {
	s := NewMemory()
	now := time.Now()
	sub := seedSubscriber(t, s, 0)

	ok := seedLog(t, s, sub, now)
	s.UpdateDeliveryLog(context.Background(), ok.ID, func(l domain.DeliveryLog) (domain.DeliveryLog, error) {
		return l.MarkSuccess(200, "ok", now)
	})
	failLog(t, s, seedLog(t, s, sub, now).ID, now)
	seedLog(t, s, sub, now)

	c, err := s.CountDeliveries(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("CountDeliveries() error = %v", err)
	}
	if c.Total != 3 || c.Successful != 1 || c.Failed != 1 {
		t.Errorf("counts = %+v, want total=3 successful=1 failed=1", c)
	}

	m, _ := s.GetDeliveryMetrics(context.Background())
	if m.TotalDeliveries != 3 || m.PendingCount != 1 || m.ActiveSubscribers != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestMemoryStore_ListDeliveryLogsFilter(t *testing.T) {
	s := NewMemory()
	now := time.Now()
	a := seedSubscriber(t, s, 1)
	b := seedSubscriber(t, s, 1)
	seedLog(t, s, a, now)
	seedLog(t, s, a, now.Add(time.Second))
	seedLog(t, s, b, now)

	logs, _ := s.ListDeliveryLogs(context.Background(), DeliveryLogFilter{SubscriberID: a.ID})
	if len(logs) != 2 {
		t.Fatalf("got %d logs for subscriber a, want 2", len(logs))
	}
	if !logs[0].CreatedAt.After(logs[1].CreatedAt) {
		t.Error("logs should be newest first")
	}

	limited, _ := s.ListDeliveryLogs(context.Background(), DeliveryLogFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d", len(limited))
	}

	pending, _ := s.ListDeliveryLogs(context.Background(), DeliveryLogFilter{Status: domain.DeliveryFailed})
	if len(pending) != 0 {
		t.Errorf("got %d failed logs, want 0", len(pending))
	}
}

func TestMemoryStore_DeleteSubscriberCascades(t *testing.T) {
	s := NewMemory()
	sub := seedSubscriber(t, s, 1)
	l := seedLog(t, s, sub, time.Now())

	if err := s.DeleteSubscriber(context.Background(), sub.ID); err != nil {
		t.Fatalf("DeleteSubscriber() error = %v", err)
	}
	if _, err := s.GetDeliveryLog(context.Background(), l.ID); !errors.Is(err, domain.ErrDeliveryNotFound) {
		t.Error("logs should be removed with their subscriber")
	}
}

func TestMigrations_Embedded(t *testing.T) {
	for _, name := range []string{"001_create_subscribers.up.sql", "002_create_delivery_logs.up.sql"} {
		if _, err := Migrations().Open(name); err != nil {
			t.Errorf("migration %s not embedded: %v", name, err)
		}
	}
}
