package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CountDeliveries returns the delivery totals for one subscriber.
func (s *PostgresStore) CountDeliveries(ctx context.Context, subscriberID string) (DeliveryCounts, error) {
	var c DeliveryCounts
	if uuid.Validate(subscriberID) != nil {
		return c, nil
	}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM delivery_logs
		WHERE subscriber_id = $1
	`, subscriberID).Scan(&c.Total, &c.Successful, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("counting deliveries: %w", err)
	}
	return c, nil
}

// GetDeliveryMetrics returns aggregated delivery statistics from the database.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'retrying') AS retrying,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending
		FROM delivery_logs
	`).Scan(&m.TotalDeliveries, &m.SuccessCount, &m.FailedCount, &m.RetryingCount, &m.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE is_active = TRUE AND status = 'active'),
			COUNT(*) FILTER (WHERE status = 'disabled')
		FROM subscribers
	`).Scan(&m.ActiveSubscribers, &m.DisabledSubscribers)
	if err != nil {
		return nil, fmt.Errorf("querying subscriber counts: %w", err)
	}

	return &m, nil
}
