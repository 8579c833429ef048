package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	"golang.org/x/sync/errgroup"
)

type SweeperConfig struct {
	Interval        time.Duration
	CleanupInterval time.Duration
	ClaimLease      time.Duration
	Concurrency     int
	BatchSize       int
	RetentionDays   int
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:        30 * time.Second,
		CleanupInterval: time.Hour,
		ClaimLease:      5 * time.Minute,
		Concurrency:     10,
		BatchSize:       100,
		RetentionDays:   30,
	}
}

// SweeperStatus is a snapshot of the sweeper for operators.
type SweeperStatus struct {
	Running            bool       `json:"running"`
	Interval           string     `json:"interval"`
	CleanupInterval    string     `json:"cleanup_interval"`
	RetentionDays      int        `json:"retention_days"`
	LastSweepAt        *time.Time `json:"last_sweep_at,omitempty"`
	LastSweepRetried   int        `json:"last_sweep_retried"`
	LastCleanupAt      *time.Time `json:"last_cleanup_at,omitempty"`
	LastCleanupDeleted int64      `json:"last_cleanup_deleted"`
}

// Sweeper periodically retries due deliveries and prunes old logs.
type Sweeper struct {
	store    store.Store
	executor Executor
	cfg      SweeperConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu                 sync.Mutex
	cancel             context.CancelFunc
	done               chan struct{}
	lastSweepAt        *time.Time
	lastSweepRetried   int
	lastCleanupAt      *time.Time
	lastCleanupDeleted int64
}

func NewSweeper(s store.Store, executor Executor, cfg SweeperConfig, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	return &Sweeper{
		store:    s,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Start launches the sweep and cleanup loops. Calling Start on a running
// sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)

	s.logger.Info("retry sweeper started",
		"interval", s.cfg.Interval,
		"cleanup_interval", s.cfg.CleanupInterval,
		"retention_days", s.cfg.RetentionDays,
	)
}

// Stop halts both loops and waits for an in-flight sweep to settle.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("retry sweeper stopped")
}

func (s *Sweeper) Status() SweeperStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SweeperStatus{
		Running:            s.cancel != nil,
		Interval:           s.cfg.Interval.String(),
		CleanupInterval:    s.cfg.CleanupInterval.String(),
		RetentionDays:      s.cfg.RetentionDays,
		LastSweepAt:        s.lastSweepAt,
		LastSweepRetried:   s.lastSweepRetried,
		LastCleanupAt:      s.lastCleanupAt,
		LastCleanupDeleted: s.lastCleanupDeleted,
	}
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	sweep := time.NewTicker(s.cfg.Interval)
	defer sweep.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retry sweep failed", "error", err)
			}
		case <-cleanup.C:
			if _, err := s.CleanupOldLogs(ctx, s.cfg.RetentionDays); err != nil {
				s.logger.Error("delivery log cleanup failed", "error", err)
			}
		}
	}
}

// RunOnce retries every due delivery once and returns how many it claimed.
// Attempts run concurrently and all of them settle before it returns; a
// failing attempt never stops the others.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.ListDueRetries(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing due retries: %w", err)
	}

	// Attempts outlive a cancelled sweep so Stop can wait for them.
	deliverCtx := context.WithoutCancel(ctx)
	leaseUntil := now.Add(s.cfg.ClaimLease)

	var retried atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, l := range due {
		l := l // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if s.retry(deliverCtx, l, now, leaseUntil) {
				retried.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	n := int(retried.Load())
	s.mu.Lock()
	s.lastSweepAt = &now
	s.lastSweepRetried = n
	s.mu.Unlock()

	if len(due) > 0 {
		s.logger.Info("retry sweep complete", "due", len(due), "retried", n)
	}
	return n, nil
}

func (s *Sweeper) retry(ctx context.Context, l domain.DeliveryLog, now, leaseUntil time.Time) bool {
	claimed, err := s.store.ClaimDueRetry(ctx, l.ID, now, leaseUntil)
	if err != nil {
		s.logger.Error("failed to claim retry", "delivery_id", l.ID, "error", err)
		return false
	}
	if !claimed {
		s.logger.Debug("retry already claimed", "delivery_id", l.ID)
		return false
	}
	s.metrics.IncRetryClaimed()

	sub, err := s.store.GetSubscriber(ctx, l.SubscriberID)
	if err != nil {
		s.logger.Error("failed to load subscriber for retry",
			"delivery_id", l.ID,
			"subscriber_id", l.SubscriberID,
			"error", err,
		)
		return false
	}
	// Disabled between listing and claiming: the lease lapses and later
	// sweeps skip the log until the subscriber is reset.
	if !sub.IsEligible() {
		return false
	}

	s.executor.Deliver(ctx, *sub, l)
	return true
}

// CleanupOldLogs deletes delivery logs created more than days days ago,
// whatever their status.
func (s *Sweeper) CleanupOldLogs(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive", domain.ErrValidation)
	}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -days)

	deleted, err := s.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting logs before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	s.mu.Lock()
	s.lastCleanupAt = &now
	s.lastCleanupDeleted = deleted
	s.mu.Unlock()

	s.metrics.AddLogsCleaned(deleted)
	s.logger.Info("cleaned up old delivery logs", "deleted", deleted, "retention_days", days)
	return deleted, nil
}
