package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm_fanout/internal/queue"
	"llm_fanout/internal/utils"
)

// DispatcherOptions sizes the dispatcher's concurrency.
type DispatcherOptions struct {
	// Workers is the number of dequeue loops
	Workers int

	// MaxInFlight bounds the provider jobs running at once across workers
	MaxInFlight int
}

// Dispatcher drains provider jobs from the queue. Every job runs in its own
// goroutine: it calls the provider and patches that provider's result into
// the aggregate. Jobs whose result cannot be stored after the configured
// retries go to the dead letter queue.
type Dispatcher struct {
	service *Service
	queue   queue.Queue
	dlq     queue.DeadLetterQueue
	config  *queue.Config
	workers int
	sem     chan struct{}

	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	jobs       sync.WaitGroup

	// mu guards stopping; no job is added to jobs once it is set
	mu       sync.Mutex
	stopping bool

	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once

	logger *utils.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher for the service's queue. dlq may be nil,
// in which case exhausted jobs are only logged.
func NewDispatcher(svc *Service, dlq queue.DeadLetterQueue, config *queue.Config, opts DispatcherOptions) *Dispatcher {
	if config == nil {
		config = queue.DefaultConfig("provider-jobs")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}

	return &Dispatcher{
		service:     svc,
		queue:       svc.queue,
		dlq:         dlq,
		config:      config,
		workers:     opts.Workers,
		sem:         make(chan struct{}, opts.MaxInFlight),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
		logger:      utils.NewLogger("dispatcher"),
		sleep:       sleepContext,
	}
}

// Start launches the worker loops. Cancelling ctx stops dequeuing; jobs
// already running keep going until Stop gives up on them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.jobsCtx, d.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))

	var loops sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		loops.Add(1)
		go func(worker int) {
			defer loops.Done()
			d.run(ctx, worker)
		}(i)
	}

	go func() {
		loops.Wait()
		close(d.stoppedChan)
	}()

	d.logger.Info("Dispatcher started", "workers", d.workers, "max_in_flight", cap(d.sem))
}

// Stop stops dequeuing and waits for running jobs. When ctx expires first
// the remaining jobs are cancelled and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancelJobs == nil {
		return nil // never started
	}
	d.stopOnce.Do(func() { close(d.stopChan) })

	select {
	case <-d.stoppedChan:
	case <-ctx.Done():
	}

	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelJobs()
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop deadline reached, cancelling running jobs")
		d.cancelJobs()
		<-done
		return ctx.Err()
	}
}

// run is the dequeue loop of one worker
func (d *Dispatcher) run(ctx context.Context, worker int) {
	for {
		select {
		case <-d.stopChan:
			d.logger.Debug("Worker stopping", "worker", worker)
			return
		case <-ctx.Done():
			d.logger.Debug("Worker context cancelled", "worker", worker)
			return
		default:
			if closed := d.processBatch(ctx); closed {
				d.logger.Info("Queue closed, worker exiting", "worker", worker)
				return
			}
		}
	}
}

// processBatch dequeues up to BatchSize jobs and starts each one. It reports
// whether the queue has been closed.
func (d *Dispatcher) processBatch(ctx context.Context) bool {
	jobs, err := d.queue.DequeueWithTimeout(ctx, d.config.BatchSize, d.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		d.logger.Error("Failed to dequeue provider jobs", "error", err)
		d.service.metrics.IncDispatch("dequeue_error")
		_ = d.sleep(ctx, time.Second) // Back off on error
		return false
	}

	if len(jobs) > 0 {
		d.logger.Debug("Dispatching provider jobs", "count", len(jobs))
	}

	for _, job := range jobs {
		select {
		case d.sem <- struct{}{}:
		case <-d.jobsCtx.Done():
			d.deadLetter(job, fmt.Errorf("dispatcher stopped before job started: %w", d.jobsCtx.Err()))
			continue
		}

		if !d.trackJob() {
			<-d.sem
			d.deadLetter(job, errors.New("dispatcher stopped before job started"))
			continue
		}
		go func(job queue.ProviderJob) {
			defer d.jobs.Done()
			defer func() { <-d.sem }()
			d.processJob(d.jobsCtx, job)
		}(job)
	}
	return false
}

// trackJob registers a job with the running set unless Stop has begun
// waiting on it.
func (d *Dispatcher) trackJob() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return false
	}
	d.jobs.Add(1)
	return true
}

// processJob calls the provider and stores the result, retrying the store
// write with exponential backoff.
func (d *Dispatcher) processJob(ctx context.Context, job queue.ProviderJob) {
	result := d.service.callProvider(ctx, job, false)

	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			d.logger.Debug("Retrying result write", "aggregate_id", job.AggregateID, "provider", job.ProviderKey, "attempt", attempt, "backoff", backoff)
			if err := d.sleep(ctx, backoff); err != nil {
				lastErr = fmt.Errorf("%v (retry interrupted: %w)", lastErr, err)
				break
			}
		}

		_, err := d.service.applyResult(ctx, job.AggregateID, result)
		if err == nil {
			d.service.metrics.IncDispatch("applied")
			return
		}
		if isDiscarded(err) {
			d.logger.Debug("Result discarded", "aggregate_id", job.AggregateID, "provider", job.ProviderKey, "reason", err)
			d.service.metrics.IncDispatch("discarded")
			return
		}

		lastErr = err
		d.logger.Error("Failed to store provider result", "aggregate_id", job.AggregateID, "provider", job.ProviderKey, "attempt", attempt, "error", err)
		if !utils.IsRecoverableError(err) {
			break
		}
	}

	d.deadLetter(job, lastErr)
}

func (d *Dispatcher) deadLetter(job queue.ProviderJob, cause error) {
	d.service.metrics.IncDispatch("dead_lettered")
	if d.dlq == nil {
		d.logger.Error("Provider job dropped", "aggregate_id", job.AggregateID, "provider", job.ProviderKey, "error", cause)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.dlq.Add(ctx, job, fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, cause)); err != nil {
		d.logger.Error("Failed to add to dead letter queue", "job_id", job.ID, "error", err)
		return
	}
	d.logger.Warn("Provider job moved to DLQ", "job_id", job.ID, "aggregate_id", job.AggregateID, "provider", job.ProviderKey, "error", cause)
}

// QueueLength returns the number of jobs waiting
func (d *Dispatcher) QueueLength(ctx context.Context) (int, error) {
	return d.queue.Length(ctx)
}

// DeadLetters returns jobs from the dead letter queue, oldest first
func (d *Dispatcher) DeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if d.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return d.dlq.List(ctx, maxItems)
}

// Redrive puts a dead-lettered job back on the queue
func (d *Dispatcher) Redrive(ctx context.Context, id string) error {
	return RedriveDeadLetter(ctx, d.queue, d.dlq, id)
}

// RedriveDeadLetter moves the dead letter item id back onto q. The provider
// call runs again when the job is dequeued.
func RedriveDeadLetter(ctx context.Context, q queue.Queue, dlq queue.DeadLetterQueue, id string) error {
	if dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, item := range items {
		if item.ID != id {
			continue
		}
		if err := q.Enqueue(ctx, item.Job); err != nil {
			return fmt.Errorf("failed to re-enqueue job: %w", err)
		}
		if err := dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
