package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/signature"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	store     *store.MemoryStore
	breaker   *engine.CircuitBreaker
	deliverer *Deliverer
}

func setupDeliveryTest(t *testing.T, opts ...DelivererOption) *testEnv {
	t.Helper()
	s := store.NewMemory()
	cb := engine.NewCircuitBreaker(s, testLogger(), nil, nil)
	return &testEnv{
		store:     s,
		breaker:   cb,
		deliverer: NewDeliverer(s, cb, testLogger(), opts...),
	}
}

func (e *testEnv) subscriber(t *testing.T, url string, mutate func(*domain.Subscriber)) domain.Subscriber {
	t.Helper()
	sub := domain.Subscriber{
		URL:        url,
		Events:     []string{domain.EventInvoiceCreated},
		MaxRetries: 3,
		TimeoutMs:  2000,
		Status:     domain.SubscriberActive,
		IsActive:   true,
	}
	if mutate != nil {
		mutate(&sub)
	}
	created, err := e.store.CreateSubscriber(context.Background(), sub)
	if err != nil {
		t.Fatalf("CreateSubscriber() error = %v", err)
	}
	return *created
}

func (e *testEnv) pendingLog(t *testing.T, sub domain.Subscriber, payload string) domain.DeliveryLog {
	t.Helper()
	l := domain.NewDeliveryLog("dlv-"+sub.ID, sub, domain.EventInvoiceCreated, json.RawMessage(payload), nil, time.Now().UTC())
	if err := e.store.CreateDeliveryLog(context.Background(), l); err != nil {
		t.Fatalf("CreateDeliveryLog() error = %v", err)
	}
	return l
}

func (e *testEnv) reload(t *testing.T, sub domain.Subscriber, l domain.DeliveryLog) (domain.Subscriber, domain.DeliveryLog) {
	t.Helper()
	s, err := e.store.GetSubscriber(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetSubscriber() error = %v", err)
	}
	got, err := e.store.GetDeliveryLog(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("GetDeliveryLog() error = %v", err)
	}
	return *s, *got
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

func capturingServer(t *testing.T, status int, respBody string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(server.Close)
	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestDelivery_SuccessfulEndpoint(t *testing.T) {
	server, requests := capturingServer(t, http.StatusOK, `{"status":"ok"}`)
	env := setupDeliveryTest(t, WithUserAgent("Acme-Webhook/1.0"))

	sub := env.subscriber(t, server.URL, func(s *domain.Subscriber) {
		s.Secret = "test-secret"
		s.Headers = map[string]string{"X-Tenant": "acme"}
		s.FailureCount = 2
	})
	l := env.pendingLog(t, sub, `{"invoice_id":"inv-1"}`)

	result := env.deliverer.Deliver(context.Background(), sub, l)

	if !result.Success {
		t.Fatalf("expected success, got error %q", result.ErrorMessage)
	}
	if result.HTTPStatus == nil || *result.HTTPStatus != http.StatusOK {
		t.Errorf("HTTPStatus = %v, want 200", result.HTTPStatus)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("endpoint received %d requests, want 1", len(reqs))
	}
	h := reqs[0].header
	wantHeaders := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   "Acme-Webhook/1.0",
		HeaderEvent:    domain.EventInvoiceCreated,
		HeaderID:       sub.ID,
		HeaderDelivery: l.ID,
		"X-Tenant":     "acme",
	}
	for k, v := range wantHeaders {
		if got := h.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}

	if !signature.Verify(reqs[0].body, h.Get(signature.HeaderName), "test-secret") {
		t.Error("signature does not verify against the raw request body")
	}

	var envelope domain.Envelope
	if err := json.Unmarshal(reqs[0].body, &envelope); err != nil {
		t.Fatalf("body is not an envelope: %v", err)
	}
	if envelope.Event != domain.EventInvoiceCreated || envelope.SubscriberID != sub.ID || string(envelope.Data) != `{"invoice_id":"inv-1"}` {
		t.Errorf("unexpected envelope %+v", envelope)
	}
	if _, err := time.Parse(time.RFC3339Nano, envelope.Timestamp); err != nil || !strings.HasSuffix(envelope.Timestamp, "Z") {
		t.Errorf("timestamp %q is not UTC ISO-8601", envelope.Timestamp)
	}

	gotSub, gotLog := env.reload(t, sub, l)
	if gotLog.Status != domain.DeliverySuccess || gotLog.AttemptCount != 1 || gotLog.DeliveredAt == nil {
		t.Errorf("log = status %s attempts %d delivered %v", gotLog.Status, gotLog.AttemptCount, gotLog.DeliveredAt)
	}
	if gotLog.ResponseBody == nil || *gotLog.ResponseBody != `{"status":"ok"}` {
		t.Errorf("response body not recorded: %v", gotLog.ResponseBody)
	}
	if gotSub.FailureCount != 0 || gotSub.LastSuccessAt == nil {
		t.Errorf("subscriber failures = %d, last success %v", gotSub.FailureCount, gotSub.LastSuccessAt)
	}
}

func TestDelivery_NoSecretNoSignature(t *testing.T) {
	server, requests := capturingServer(t, http.StatusNoContent, "")
	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, nil)

	env.deliverer.Deliver(context.Background(), sub, env.pendingLog(t, sub, `{}`))

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("endpoint received %d requests, want 1", len(reqs))
	}
	if got := reqs[0].header.Get(signature.HeaderName); got != "" {
		t.Errorf("unexpected signature header %q", got)
	}
	if got := reqs[0].header.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("User-Agent = %q, want %q", got, DefaultUserAgent)
	}
}

func TestDelivery_CustomHeadersCannotReplaceSignature(t *testing.T) {
	server, requests := capturingServer(t, http.StatusOK, "")
	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, func(s *domain.Subscriber) {
		s.Secret = "s3cret"
		s.Headers = map[string]string{signature.HeaderName: "sha256=forged"}
	})

	env.deliverer.Deliver(context.Background(), sub, env.pendingLog(t, sub, `{"a":1}`))

	req := requests()[0]
	if !signature.Verify(req.body, req.header.Get(signature.HeaderName), "s3cret") {
		t.Error("configured header overrode the computed signature")
	}
}

func TestDelivery_BadRequestIsRecorded(t *testing.T) {
	server, _ := capturingServer(t, http.StatusBadRequest, `{"error":"Invalid payload"}`)
	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, nil)
	l := env.pendingLog(t, sub, `{}`)

	before := time.Now().UTC()
	result := env.deliverer.Deliver(context.Background(), sub, l)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.HTTPStatus == nil || *result.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %v, want 400", result.HTTPStatus)
	}
	if result.ErrorMessage != "HTTP 400: Bad Request" {
		t.Errorf("ErrorMessage = %q", result.ErrorMessage)
	}

	gotSub, gotLog := env.reload(t, sub, l)
	if gotLog.ErrorMessage == nil || *gotLog.ErrorMessage != "HTTP 400: Bad Request" {
		t.Errorf("log error message = %v", gotLog.ErrorMessage)
	}
	if gotLog.ResponseBody == nil || *gotLog.ResponseBody != `{"error":"Invalid payload"}` {
		t.Errorf("log response body = %v", gotLog.ResponseBody)
	}
	if gotLog.Status != domain.DeliveryRetrying || gotLog.AttemptCount != 1 {
		t.Errorf("log status %s attempts %d, want retrying/1", gotLog.Status, gotLog.AttemptCount)
	}
	delay := gotLog.NextRetryAt.Sub(before)
	if delay < 5*time.Second || delay > 6*time.Second {
		t.Errorf("first retry in %v, want ~5s", delay)
	}
	if gotSub.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", gotSub.FailureCount)
	}
}

func TestDelivery_BinaryBodyIsStoredAsText(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus domain.DeliveryStatus
		wantFails  int
	}{
		{"success", http.StatusOK, domain.DeliverySuccess, 0},
		{"server error", http.StatusInternalServerError, domain.DeliveryRetrying, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := capturingServer(t, tt.status, "ok\xff\x00")
			env := setupDeliveryTest(t)
			sub := env.subscriber(t, server.URL, nil)
			l := env.pendingLog(t, sub, `{}`)

			env.deliverer.Deliver(context.Background(), sub, l)

			gotSub, gotLog := env.reload(t, sub, l)
			if gotLog.Status != tt.wantStatus || gotLog.AttemptCount != 1 {
				t.Fatalf("log status %s attempts %d, want %s/1", gotLog.Status, gotLog.AttemptCount, tt.wantStatus)
			}
			if gotLog.ResponseBody == nil || *gotLog.ResponseBody != "ok\uFFFD" {
				t.Errorf("ResponseBody = %v, want %q", gotLog.ResponseBody, "ok\uFFFD")
			}
			if gotSub.FailureCount != tt.wantFails {
				t.Errorf("FailureCount = %d, want %d", gotSub.FailureCount, tt.wantFails)
			}
		})
	}
}

func TestDelivery_BodyKeptVerbatim(t *testing.T) {
	server, _ := capturingServer(t, http.StatusOK, "  accepted\n")
	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, nil)
	l := env.pendingLog(t, sub, `{}`)

	env.deliverer.Deliver(context.Background(), sub, l)

	_, gotLog := env.reload(t, sub, l)
	if gotLog.ResponseBody == nil {
		t.Fatal("ResponseBody not recorded")
	}
	if *gotLog.ResponseBody != "  accepted\n" {
		t.Errorf("ResponseBody = %q, want the body as sent", *gotLog.ResponseBody)
	}
}

func TestDelivery_LargeBodyIsBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		chunk := strings.Repeat("a", 64*1024)
		for i := 0; i < 64; i++ {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, nil)
	l := env.pendingLog(t, sub, `{}`)

	result := env.deliverer.Deliver(context.Background(), sub, l)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ResponseBody == nil {
		t.Fatal("ResponseBody not returned")
	}
	if n := len(*result.ResponseBody); n > maxResponseBytes {
		t.Errorf("read %d bytes, want at most %d", n, maxResponseBytes)
	}

	_, gotLog := env.reload(t, sub, l)
	if gotLog.ResponseBody == nil {
		t.Fatal("ResponseBody not recorded")
	}
	if n := len([]rune(*gotLog.ResponseBody)); n != domain.MaxResponseBodyChars {
		t.Errorf("stored body length = %d, want %d", n, domain.MaxResponseBodyChars)
	}
}

func TestDelivery_TimeoutIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, func(s *domain.Subscriber) { s.TimeoutMs = 50 })
	l := env.pendingLog(t, sub, `{}`)

	start := time.Now()
	result := env.deliverer.Deliver(context.Background(), sub, l)

	if time.Since(start) > 900*time.Millisecond {
		t.Error("subscriber timeout was not applied")
	}
	if result.Success || result.HTTPStatus != nil || result.ErrorMessage == "" {
		t.Errorf("unexpected result %+v", result)
	}

	_, gotLog := env.reload(t, sub, l)
	if gotLog.HTTPStatus != nil || gotLog.ResponseBody != nil {
		t.Error("transport errors must not record an HTTP status or body")
	}
}

func TestDelivery_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	env := setupDeliveryTest(t)
	sub := env.subscriber(t, url, nil)
	result := env.deliverer.Deliver(context.Background(), sub, env.pendingLog(t, sub, `{}`))

	if result.Success || result.ErrorMessage == "" {
		t.Errorf("expected a transport failure, got %+v", result)
	}
}

func TestDelivery_FinalizedLogIsSkipped(t *testing.T) {
	server, requests := capturingServer(t, http.StatusOK, "")
	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, nil)
	l := env.pendingLog(t, sub, `{}`)

	done := env.deliverer.Deliver(context.Background(), sub, l)
	env.deliverer.Deliver(context.Background(), sub, *done.Log)

	if n := len(requests()); n != 1 {
		t.Errorf("endpoint called %d times, want 1", n)
	}
}

func TestDelivery_ExhaustsAttempts(t *testing.T) {
	server, _ := capturingServer(t, http.StatusServiceUnavailable, "down")
	env := setupDeliveryTest(t)
	sub := env.subscriber(t, server.URL, func(s *domain.Subscriber) { s.MaxRetries = 3 })
	l := env.pendingLog(t, sub, `{}`)

	wantDelays := []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}
	for i := 0; i < 4; i++ {
		_, current := env.reload(t, sub, l)
		before := time.Now().UTC()
		env.deliverer.Deliver(context.Background(), sub, current)

		_, got := env.reload(t, sub, l)
		if got.AttemptCount != i+1 {
			t.Fatalf("attempt %d: AttemptCount = %d", i+1, got.AttemptCount)
		}
		if i < 3 {
			delay := got.NextRetryAt.Sub(before)
			if delay < wantDelays[i] || delay > wantDelays[i]+time.Second {
				t.Errorf("attempt %d: retry in %v, want ~%v", i+1, delay, wantDelays[i])
			}
		}
	}

	gotSub, got := env.reload(t, sub, l)
	if got.Status != domain.DeliveryFailed || got.AttemptCount != 4 || got.NextRetryAt != nil {
		t.Errorf("final log = status %s attempts %d next %v", got.Status, got.AttemptCount, got.NextRetryAt)
	}
	if gotSub.Status != domain.SubscriberDisabled {
		t.Errorf("subscriber status = %s, want disabled", gotSub.Status)
	}
}

func TestDelivery_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	server, requests := capturingServer(t, http.StatusOK, "")
	env := setupDeliveryTest(t, WithRateLimiter(engine.NewRateLimiter(client, testLogger())))
	sub := env.subscriber(t, server.URL, func(s *domain.Subscriber) { s.RateLimitPerSecond = 1 })

	first := env.pendingLog(t, sub, `{"n":1}`)
	second := domain.NewDeliveryLog("dlv-second", sub, domain.EventInvoiceCreated, json.RawMessage(`{"n":2}`), nil, time.Now())
	env.store.CreateDeliveryLog(context.Background(), second)

	env.deliverer.Deliver(context.Background(), sub, first)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	result := env.deliverer.Deliver(ctx, sub, second)

	if result.Success {
		t.Fatal("second delivery should have been held back by the rate limit")
	}
	if n := len(requests()); n != 1 {
		t.Errorf("endpoint called %d times, want 1", n)
	}
	gotSub, gotLog := env.reload(t, sub, second)
	if gotLog.Status != domain.DeliveryRetrying {
		t.Errorf("rate-limited log status = %s, want retrying", gotLog.Status)
	}
	if gotSub.FailureCount != 0 {
		t.Error("a rate-limit wait must not count against the subscriber")
	}
}

func waitForAttempt(t *testing.T, s *store.MemoryStore, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if l, err := s.GetDeliveryLog(context.Background(), id); err == nil && l.AttemptCount > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("delivery %s was never attempted", id)
}
