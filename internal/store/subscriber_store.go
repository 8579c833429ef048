package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriberColumns = `id, name, url, events, secret, headers, timeout_ms, max_retries,
	retry_delay_ms, rate_limit_per_second, status, is_active, failure_count,
	last_triggered_at, last_success_at, last_failure_at, created_at, updated_at`

func scanSubscriber(row rowScanner) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	err := row.Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Events, &sub.Secret, &sub.Headers,
		&sub.TimeoutMs, &sub.MaxRetries, &sub.RetryDelayMs, &sub.RateLimitPerSecond,
		&sub.Status, &sub.IsActive, &sub.FailureCount,
		&sub.LastTriggeredAt, &sub.LastSuccessAt, &sub.LastFailureAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sub.Headers == nil {
		sub.Headers = map[string]string{}
	}
	return &sub, nil
}

func (s *PostgresStore) CreateSubscriber(ctx context.Context, sub domain.Subscriber) (*domain.Subscriber, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Headers == nil {
		sub.Headers = map[string]string{}
	}
	if sub.Events == nil {
		sub.Events = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscribers (id, name, url, events, secret, headers, timeout_ms, max_retries,
			retry_delay_ms, rate_limit_per_second, status, is_active, failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+subscriberColumns,
		sub.ID, sub.Name, sub.URL, sub.Events, sub.Secret, sub.Headers, sub.TimeoutMs,
		sub.MaxRetries, sub.RetryDelayMs, sub.RateLimitPerSecond, string(sub.Status),
		sub.IsActive, sub.FailureCount,
	)
	created, err := scanSubscriber(row)
	if err != nil {
		return nil, fmt.Errorf("inserting subscriber: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrSubscriberNotFound
	}
	sub, err := scanSubscriber(s.pool.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("querying subscriber: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	return s.querySubscribers(ctx, `SELECT `+subscriberColumns+` FROM subscribers ORDER BY created_at DESC`)
}

// ListActiveSubscribers returns the subscribers eligible for fan-out.
func (s *PostgresStore) ListActiveSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	return s.querySubscribers(ctx, `
		SELECT `+subscriberColumns+` FROM subscribers
		WHERE is_active = TRUE AND status = 'active'
		ORDER BY created_at`)
}

func (s *PostgresStore) querySubscribers(ctx context.Context, query string, args ...any) ([]domain.Subscriber, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscribers: %w", err)
	}
	defer rows.Close()

	subscribers := []domain.Subscriber{}
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscriber: %w", err)
		}
		subscribers = append(subscribers, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscribers: %w", err)
	}

	return subscribers, nil
}

// UpdateSubscriber locks the row, applies fn and writes the result back in
// one transaction, so concurrent failure counts never overwrite each other.
func (s *PostgresStore) UpdateSubscriber(ctx context.Context, id string, fn SubscriberUpdate) (*domain.Subscriber, error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrSubscriberNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanSubscriber(tx.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("locking subscriber: %w", err)
	}

	next, err := fn(*current)
	if err != nil {
		return nil, err
	}
	if next.Headers == nil {
		next.Headers = map[string]string{}
	}

	updated, err := scanSubscriber(tx.QueryRow(ctx, `
		UPDATE subscribers SET
			name = $2, url = $3, events = $4, secret = $5, headers = $6,
			timeout_ms = $7, max_retries = $8, retry_delay_ms = $9, rate_limit_per_second = $10,
			status = $11, is_active = $12, failure_count = $13,
			last_triggered_at = $14, last_success_at = $15, last_failure_at = $16,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriberColumns,
		id, next.Name, next.URL, next.Events, next.Secret, next.Headers,
		next.TimeoutMs, next.MaxRetries, next.RetryDelayMs, next.RateLimitPerSecond,
		string(next.Status), next.IsActive, next.FailureCount,
		next.LastTriggeredAt, next.LastSuccessAt, next.LastFailureAt,
	))
	if err != nil {
		return nil, fmt.Errorf("updating subscriber: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteSubscriber(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return domain.ErrSubscriberNotFound
	}
	result, err := s.pool.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscriber: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrSubscriberNotFound
	}
	return nil
}
