package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
)

// Pool runs delivery jobs on a fixed number of goroutines.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	executor   Executor
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ctx      context.Context
	wg       sync.WaitGroup
	overflow sync.WaitGroup
	quit     chan struct{}
	drain    chan struct{}
	stopOnce sync.Once

	// mu orders overflow.Add in Submit before overflow.Wait in Stop.
	mu      sync.Mutex
	stopped bool
}

// NewPool creates a pool with numWorkers workers and a queue of queueSize
// buffered jobs.
func NewPool(numWorkers, queueSize int, executor Executor, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, queueSize),
		executor:   executor,
		logger:     logger,
		metrics:    m,
		quit:       make(chan struct{}),
		drain:      make(chan struct{}),
	}
}

// Start launches the workers. Jobs run on a context detached from ctx's
// cancellation so a shutdown never aborts a request halfway.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = context.WithoutCancel(ctx)
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers, "queue_size", cap(p.jobs))
}

// Submit queues job and returns immediately. When the queue is full the
// job waits on its own goroutine.
func (p *Pool) Submit(job engine.DeliveryJob) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.dropped(job)
		return
	}

	select {
	case p.jobs <- job:
		p.mu.Unlock()
		p.metrics.SetQueueDepth(len(p.jobs))
		return
	default:
	}

	p.overflow.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.overflow.Done()
		select {
		case p.jobs <- job:
			p.metrics.SetQueueDepth(len(p.jobs))
		case <-p.quit:
			p.dropped(job)
		}
	}()
}

// Stop refuses new jobs, lets workers finish everything already queued
// and waits for them.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.quit)
		p.mu.Unlock()

		p.overflow.Wait()
		close(p.drain)
		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobs:
			p.run(id, job)
		case <-p.drain:
			for {
				select {
				case job := <-p.jobs:
					p.run(id, job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(id int, job engine.DeliveryJob) {
	p.metrics.SetQueueDepth(len(p.jobs))
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("delivery panicked",
				"worker_id", id,
				"delivery_id", job.Log.ID,
				"subscriber_id", job.Subscriber.ID,
				"panic", r,
			)
		}
	}()
	p.executor.Deliver(p.ctx, job.Subscriber, job.Log)
}

func (p *Pool) dropped(job engine.DeliveryJob) {
	p.logger.Warn("worker pool stopped, delivery left pending",
		"delivery_id", job.Log.ID,
		"subscriber_id", job.Subscriber.ID,
	)
}

var _ engine.Submitter = (*Pool)(nil)
