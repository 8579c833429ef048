package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryLogColumns = `id, subscriber_id, event, actor_id, payload, status, http_status,
	response_body, error_message, attempt_count, max_attempts, next_retry_at, delivered_at,
	created_at, updated_at`

func scanDeliveryLog(row rowScanner) (*domain.DeliveryLog, error) {
	var l domain.DeliveryLog
	err := row.Scan(
		&l.ID, &l.SubscriberID, &l.Event, &l.ActorID, &l.Payload, &l.Status, &l.HTTPStatus,
		&l.ResponseBody, &l.ErrorMessage, &l.AttemptCount, &l.MaxAttempts, &l.NextRetryAt,
		&l.DeliveredAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateDeliveryLog inserts a new delivery log row.
func (s *PostgresStore) CreateDeliveryLog(ctx context.Context, l domain.DeliveryLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_logs (id, subscriber_id, event, actor_id, payload, status,
			attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, l.ID, l.SubscriberID, l.Event, l.ActorID, l.Payload, string(l.Status),
		l.AttemptCount, l.MaxAttempts, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeliveryLog(ctx context.Context, id string) (*domain.DeliveryLog, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrDeliveryNotFound
	}
	l, err := scanDeliveryLog(s.pool.QueryRow(ctx,
		`SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("querying delivery log: %w", err)
	}
	return l, nil
}

// ListDeliveryLogs returns delivery logs with optional filtering.
func (s *PostgresStore) ListDeliveryLogs(ctx context.Context, filter DeliveryLogFilter) ([]domain.DeliveryLog, error) {
	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs`
	args := []any{}
	conditions := []string{}

	if filter.SubscriberID != "" {
		if uuid.Validate(filter.SubscriberID) != nil {
			return []domain.DeliveryLog{}, nil
		}
		args = append(args, filter.SubscriberID)
		conditions = append(conditions, fmt.Sprintf("subscriber_id = $%d", len(args)))
	}
	if filter.Event != "" {
		args = append(args, filter.Event)
		conditions = append(conditions, fmt.Sprintf("event = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return s.queryDeliveryLogs(ctx, query, args...)
}

func (s *PostgresStore) queryDeliveryLogs(ctx context.Context, query string, args ...any) ([]domain.DeliveryLog, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.DeliveryLog{}
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery log: %w", err)
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery logs: %w", err)
	}

	return logs, nil
}

// UpdateDeliveryLog locks the log row, applies fn and persists the mutable
// columns. The payload is never rewritten.
func (s *PostgresStore) UpdateDeliveryLog(ctx context.Context, id string, fn DeliveryLogUpdate) (*domain.DeliveryLog, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrDeliveryNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanDeliveryLog(tx.QueryRow(ctx,
		`SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("locking delivery log: %w", err)
	}

	next, err := fn(*current)
	if err != nil {
		return nil, err
	}

	updated, err := scanDeliveryLog(tx.QueryRow(ctx, `
		UPDATE delivery_logs SET
			status = $2, http_status = $3, response_body = $4, error_message = $5,
			attempt_count = $6, next_retry_at = $7, delivered_at = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING `+deliveryLogColumns,
		id, string(next.Status), next.HTTPStatus, next.ResponseBody, next.ErrorMessage,
		next.AttemptCount, next.NextRetryAt, next.DeliveredAt,
	))
	if err != nil {
		return nil, fmt.Errorf("updating delivery log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return updated, nil
}

// ListDueRetries finds retrying logs whose backoff has elapsed, skipping
// subscribers that are no longer eligible.
func (s *PostgresStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryLog, error) {
	query := `
		SELECT ` + prefixColumns("l", deliveryLogColumns) + `
		FROM delivery_logs l
		JOIN subscribers s ON s.id = l.subscriber_id
		WHERE l.status = 'retrying'
		  AND l.next_retry_at <= $1
		  AND s.is_active = TRUE
		  AND s.status = 'active'
		ORDER BY l.next_retry_at`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryDeliveryLogs(ctx, query, args...)
}

// ClaimDueRetry leases a due log to this process by moving its
// next_retry_at forward. Only one concurrent caller sees a row affected.
func (s *PostgresStore) ClaimDueRetry(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE delivery_logs SET next_retry_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'retrying' AND next_retry_at <= $2
	`, id, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claiming delivery log: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteLogsBefore removes logs created before cutoff, whatever their status.
func (s *PostgresStore) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM delivery_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old delivery logs: %w", err)
	}
	return result.RowsAffected(), nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
