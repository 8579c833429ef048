package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	ws "github.com/Priya8975/webhook-dispatcher/internal/websocket"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Dependencies are the components the HTTP layer talks to.
type Dependencies struct {
	Store         store.Store
	StorageName   string
	Dispatcher    *engine.Dispatcher
	Breaker       *engine.CircuitBreaker
	Deliverer     worker.Executor
	Sweeper       *worker.Sweeper
	Hub           *ws.Hub
	Metrics       *metrics.Metrics
	RetentionDays int
	Logger        *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(deps.Metrics.Middleware)
	r.Use(corsMiddleware)

	subHandler := NewSubscriberHandler(deps.Store, deps.Breaker, deps.Deliverer, deps.Logger)
	eventHandler := NewEventHandler(deps.Dispatcher, deps.Logger)
	deliveryHandler := NewDeliveryHandler(deps.Store, deps.Logger)
	maintHandler := NewMaintenanceHandler(deps.Sweeper, deps.RetentionDays, deps.Logger)
	dashHandler := NewDashboardHandler(deps.Store, deps.Hub, deps.Logger)

	r.Get("/ws", deps.Hub.HandleWebSocket)
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(deps.StorageName))

		r.Route("/subscribers", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", subHandler.Get)
				r.Patch("/", subHandler.Update)
				r.Delete("/", subHandler.Delete)
				r.Post("/reset", subHandler.Reset)
				r.Get("/stats", subHandler.Stats)
				r.Get("/health", subHandler.Health)
				r.Post("/test", subHandler.Test)
			})
		})

		r.Post("/events", eventHandler.Create)

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})
		r.Get("/dead-letters", deliveryHandler.DeadLetters)

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/retries", maintHandler.Retries)
			r.Post("/cleanup", maintHandler.Cleanup)
			r.Get("/sweeper", maintHandler.Sweeper)
		})

		r.Get("/metrics", dashHandler.Metrics)
		r.Get("/subscribers-health", dashHandler.SubscriberHealth)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
