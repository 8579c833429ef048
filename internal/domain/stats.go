package domain

import "time"

// DeliveryStats summarises deliveries for one subscriber.
type DeliveryStats struct {
	TotalDeliveries      int        `json:"totalDeliveries"`
	SuccessfulDeliveries int        `json:"successfulDeliveries"`
	FailedDeliveries     int        `json:"failedDeliveries"`
	SuccessRate          float64    `json:"successRate"`
	LastDelivery         *time.Time `json:"lastDelivery"`
	LastSuccess          *time.Time `json:"lastSuccess"`
	LastFailure          *time.Time `json:"lastFailure"`
}

// NewDeliveryStats derives the rate and timestamps from raw counts.
func NewDeliveryStats(sub Subscriber, total, successful, failed int) DeliveryStats {
	stats := DeliveryStats{
		TotalDeliveries:      total,
		SuccessfulDeliveries: successful,
		FailedDeliveries:     failed,
		LastDelivery:         sub.LastTriggeredAt,
		LastSuccess:          sub.LastSuccessAt,
		LastFailure:          sub.LastFailureAt,
	}
	if total > 0 {
		stats.SuccessRate = float64(successful) / float64(total) * 100
	}
	return stats
}
