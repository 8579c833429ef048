package store

import (
	"context"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// SubscriberUpdate transforms a locked subscriber row. Returning an error
// aborts the update.
type SubscriberUpdate func(domain.Subscriber) (domain.Subscriber, error)

// DeliveryLogUpdate transforms a locked delivery log row.
type DeliveryLogUpdate func(domain.DeliveryLog) (domain.DeliveryLog, error)

// DeliveryLogFilter narrows ListDeliveryLogs. Zero values match everything.
type DeliveryLogFilter struct {
	SubscriberID string
	Event        string
	Status       domain.DeliveryStatus
	Limit        int
}

// DeliveryCounts are the raw per-subscriber totals behind DeliveryStats.
type DeliveryCounts struct {
	Total      int
	Successful int
	Failed     int
}

// DeliveryMetrics holds aggregated delivery statistics.
type DeliveryMetrics struct {
	TotalDeliveries     int     `json:"total_deliveries"`
	SuccessCount        int     `json:"success_count"`
	FailedCount         int     `json:"failed_count"`
	RetryingCount       int     `json:"retrying_count"`
	PendingCount        int     `json:"pending_count"`
	SuccessRate         float64 `json:"success_rate"`
	ActiveSubscribers   int     `json:"active_subscribers"`
	DisabledSubscribers int     `json:"disabled_subscribers"`
}

// SubscriberStore persists subscribers and their breaker state.
type SubscriberStore interface {
	CreateSubscriber(ctx context.Context, sub domain.Subscriber) (*domain.Subscriber, error)
	GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]domain.Subscriber, error)
	ListActiveSubscribers(ctx context.Context) ([]domain.Subscriber, error)
	UpdateSubscriber(ctx context.Context, id string, fn SubscriberUpdate) (*domain.Subscriber, error)
	DeleteSubscriber(ctx context.Context, id string) error
}

// DeliveryLogStore persists delivery logs.
type DeliveryLogStore interface {
	CreateDeliveryLog(ctx context.Context, log domain.DeliveryLog) error
	GetDeliveryLog(ctx context.Context, id string) (*domain.DeliveryLog, error)
	ListDeliveryLogs(ctx context.Context, filter DeliveryLogFilter) ([]domain.DeliveryLog, error)
	UpdateDeliveryLog(ctx context.Context, id string, fn DeliveryLogUpdate) (*domain.DeliveryLog, error)
	// ListDueRetries returns retrying logs whose NextRetryAt has passed and
	// whose subscriber is still eligible, oldest first.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryLog, error)
	// ClaimDueRetry pushes NextRetryAt to leaseUntil if the log is still
	// retrying and due at now. It reports whether this caller won the claim.
	ClaimDueRetry(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountDeliveries(ctx context.Context, subscriberID string) (DeliveryCounts, error)
	GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	SubscriberStore
	DeliveryLogStore
	Close()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
