package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

func newTestSweeper(env *testEnv, ex Executor, clock *time.Time) *Sweeper {
	sw := NewSweeper(env.store, ex, SweeperConfig{
		Interval:        10 * time.Millisecond,
		CleanupInterval: time.Hour,
		Concurrency:     4,
	}, testLogger(), nil)
	if clock != nil {
		sw.now = func() time.Time { return *clock }
	}
	return sw
}

func TestSweeper_TimeoutsRunToExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, func(s *domain.Subscriber) {
		s.MaxRetries = 3
		s.TimeoutMs = 30
	})
	l := env.pendingLog(t, sub, `{}`)
	ctx := context.Background()

	// First attempt comes from the dispatcher's pool.
	env.deliverer.Deliver(ctx, sub, l)

	clock := time.Now().UTC()
	sw := newTestSweeper(env, env.deliverer, &clock)

	for attempt := 2; attempt <= 3; attempt++ {
		clock = clock.Add(time.Hour)
		if n, err := sw.RunOnce(ctx); err != nil || n != 1 {
			t.Fatalf("sweep for attempt %d: retried=%d err=%v", attempt, n, err)
		}
	}

	gotSub, got := env.reload(t, sub, l)
	if gotSub.Status != domain.SubscriberDisabled {
		t.Fatalf("subscriber should be disabled after 3 failures, got %s", gotSub.Status)
	}
	if got.Status != domain.DeliveryRetrying || got.AttemptCount != 3 {
		t.Fatalf("log = %s/%d, want retrying/3", got.Status, got.AttemptCount)
	}

	// A disabled subscriber's due retry is left alone.
	clock = clock.Add(time.Hour)
	if n, _ := sw.RunOnce(ctx); n != 0 {
		t.Fatalf("sweeper retried %d logs of a disabled subscriber", n)
	}

	if _, err := env.breaker.Reset(ctx, sub.ID); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	clock = clock.Add(time.Hour)
	if n, _ := sw.RunOnce(ctx); n != 1 {
		t.Fatalf("sweeper retried %d logs after reset, want 1", n)
	}

	_, got = env.reload(t, sub, l)
	if got.Status != domain.DeliveryFailed || got.AttemptCount != 4 || got.NextRetryAt != nil {
		t.Errorf("final log = status %s attempts %d next %v, want failed/4/nil", got.Status, got.AttemptCount, got.NextRetryAt)
	}

	clock = clock.Add(time.Hour)
	if n, _ := sw.RunOnce(ctx); n != 0 {
		t.Errorf("a failed log must never be retried, got %d", n)
	}
}

func TestSweeper_SkipsLogsNotYetDue(t *testing.T) {
	var calls atomic.Int32
	ex := executorFunc(func(ctx context.Context, sub domain.Subscriber, log domain.DeliveryLog) DeliveryResult {
		calls.Add(1)
		return DeliveryResult{}
	})

	env := setupDeliveryTest(t)
	sub := env.subscriber(t, "https://example.com/hook", nil)
	l := env.pendingLog(t, sub, `{}`)
	now := time.Now().UTC()
	env.store.UpdateDeliveryLog(context.Background(), l.ID, func(l domain.DeliveryLog) (domain.DeliveryLog, error) {
		return l.MarkFailed("boom", nil, nil, now)
	})

	clock := now.Add(time.Second)
	sw := newTestSweeper(env, ex, &clock)
	if n, _ := sw.RunOnce(context.Background()); n != 0 || calls.Load() != 0 {
		t.Fatalf("retried a log before its backoff elapsed")
	}

	clock = now.Add(5 * time.Second)
	if n, _ := sw.RunOnce(context.Background()); n != 1 || calls.Load() != 1 {
		t.Fatalf("retried=%d calls=%d, want 1/1 once due", n, calls.Load())
	}

	// The claim lease keeps the same log out of the next sweep.
	if n, _ := sw.RunOnce(context.Background()); n != 0 {
		t.Errorf("log retried twice inside its lease")
	}
}

func TestSweeper_ConcurrentSweepsClaimOnce(t *testing.T) {
	var calls atomic.Int32
	ex := executorFunc(func(ctx context.Context, sub domain.Subscriber, log domain.DeliveryLog) DeliveryResult {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return DeliveryResult{}
	})

	env := setupDeliveryTest(t)
	sub := env.subscriber(t, "https://example.com/hook", func(s *domain.Subscriber) { s.MaxRetries = 10 })
	past := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		l := domain.NewDeliveryLog("dlv-"+string(rune('a'+i)), sub, domain.EventInvoiceCreated, json.RawMessage(`{}`), nil, past)
		l, _ = l.MarkFailed("boom", nil, nil, past)
		env.store.CreateDeliveryLog(context.Background(), l)
	}

	a := newTestSweeper(env, ex, nil)
	b := newTestSweeper(env, ex, nil)

	done := make(chan int, 2)
	for _, sw := range []*Sweeper{a, b} {
		sw := sw // per-iteration copy (go 1.21 loop semantics)
		go func() {
			n, _ := sw.RunOnce(context.Background())
			done <- n
		}()
	}
	total := <-done + <-done

	if total != 5 || calls.Load() != 5 {
		t.Errorf("retried=%d calls=%d, want each of 5 logs exactly once", total, calls.Load())
	}
}

func TestSweeper_StartStopStatus(t *testing.T) {
	var calls atomic.Int32
	ex := executorFunc(func(ctx context.Context, sub domain.Subscriber, log domain.DeliveryLog) DeliveryResult {
		calls.Add(1)
		return DeliveryResult{}
	})

	env := setupDeliveryTest(t)
	sub := env.subscriber(t, "https://example.com/hook", nil)
	l := env.pendingLog(t, sub, `{}`)
	past := time.Now().UTC().Add(-time.Hour)
	env.store.UpdateDeliveryLog(context.Background(), l.ID, func(l domain.DeliveryLog) (domain.DeliveryLog, error) {
		return l.MarkFailed("boom", nil, nil, past)
	})

	sw := newTestSweeper(env, ex, nil)
	if sw.Status().Running {
		t.Fatal("sweeper reports running before Start")
	}

	sw.Start(context.Background())
	sw.Start(context.Background())
	if !sw.Status().Running {
		t.Fatal("sweeper should be running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatalf("ticker sweep delivered %d times, want 1", calls.Load())
	}

	sw.Stop()
	sw.Stop()
	status := sw.Status()
	if status.Running {
		t.Error("sweeper still running after Stop")
	}
	if status.LastSweepAt == nil {
		t.Error("status should record the last sweep")
	}
}

func TestSweeper_CleanupOldLogs(t *testing.T) {
	env := setupDeliveryTest(t)
	sub := env.subscriber(t, "https://example.com/hook", nil)
	now := time.Now().UTC()

	mk := func(id string, created time.Time, status domain.DeliveryStatus) {
		l := domain.NewDeliveryLog(id, sub, domain.EventInvoiceCreated, json.RawMessage(`{}`), nil, created)
		switch status {
		case domain.DeliverySuccess:
			l, _ = l.MarkSuccess(200, "", created)
		case domain.DeliveryRetrying:
			l, _ = l.MarkFailed("x", nil, nil, created)
		}
		env.store.CreateDeliveryLog(context.Background(), l)
	}
	mk("old-success", now.AddDate(0, 0, -31), domain.DeliverySuccess)
	mk("old-retrying", now.AddDate(0, 0, -40), domain.DeliveryRetrying)
	mk("recent", now.AddDate(0, 0, -29), domain.DeliveryPending)

	clock := now
	sw := newTestSweeper(env, nil, &clock)

	deleted, err := sw.CleanupOldLogs(context.Background(), 30)
	if err != nil {
		t.Fatalf("CleanupOldLogs() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if _, err := env.store.GetDeliveryLog(context.Background(), "recent"); err != nil {
		t.Errorf("recent log was removed: %v", err)
	}
	if sw.Status().LastCleanupDeleted != 2 {
		t.Errorf("status did not record the cleanup")
	}

	if _, err := sw.CleanupOldLogs(context.Background(), 0); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("CleanupOldLogs(0) error = %v, want ErrValidation", err)
	}
}
