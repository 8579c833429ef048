package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/signature"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// receiver is a local webhook target for exercising the dispatcher by hand.
type receiver struct {
	secret   string
	requests atomic.Int64
	rejected atomic.Int64
	logger   *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	rc := &receiver{secret: os.Getenv("MOCK_SECRET"), logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhook/success", rc.handle(func(w http.ResponseWriter) {
		respond(w, http.StatusOK, map[string]string{"status": "received"})
	}))
	r.Post("/webhook/slow", rc.handle(func(w http.ResponseWriter) {
		time.Sleep(3 * time.Second)
		respond(w, http.StatusOK, map[string]string{"status": "received (slow)"})
	}))
	r.Post("/webhook/fail", rc.handle(func(w http.ResponseWriter) {
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}))
	r.Post("/webhook/bad-request", rc.handle(func(w http.ResponseWriter) {
		respond(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
	}))
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]int64{
			"total_requests":     rc.requests.Load(),
			"rejected_signature": rc.rejected.Load(),
		})
	})

	logger.Info("mock endpoint server starting", "port", port, "verify_signatures", rc.secret != "")
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// handle counts and logs the request, and rejects bad signatures with 401
// when MOCK_SECRET is set.
func (rc *receiver) handle(reply func(http.ResponseWriter)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := rc.requests.Add(1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}

		sig := r.Header.Get(signature.HeaderName)
		rc.logger.Info("webhook received",
			"n", count,
			"path", r.URL.Path,
			"event", r.Header.Get(worker.HeaderEvent),
			"subscriber_id", r.Header.Get(worker.HeaderID),
			"delivery_id", r.Header.Get(worker.HeaderDelivery),
			"signature", truncate(sig, 16),
		)

		if rc.secret != "" && !signature.Verify(body, sig, rc.secret) {
			rc.rejected.Add(1)
			respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		reply(w)
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
