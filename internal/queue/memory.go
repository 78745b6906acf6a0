package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue implements Queue using a buffered channel
type MemoryQueue struct {
	items     chan ProviderJob
	done      chan struct{}
	closeOnce sync.Once
	config    *Config
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}

	return &MemoryQueue{
		items:  make(chan ProviderJob, config.capacity()),
		done:   make(chan struct{}),
		config: config,
	}
}

func (q *MemoryQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Enqueue adds a job to the queue, blocking while the buffer is full
func (q *MemoryQueue) Enqueue(ctx context.Context, job ProviderJob) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	select {
	case q.items <- job:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue retrieves jobs from the queue
func (q *MemoryQueue) Dequeue(ctx context.Context, maxItems int) ([]ProviderJob, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}

	// Block until we get at least one job
	select {
	case job := <-q.items:
		return q.fill([]ProviderJob{job}, maxItems), nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DequeueWithTimeout retrieves jobs with a timeout
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]ProviderJob, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job := <-q.items:
		return q.fill([]ProviderJob{job}, maxItems), nil
	case <-timer.C:
		return []ProviderJob{}, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fill tops the batch up without blocking.
func (q *MemoryQueue) fill(jobs []ProviderJob, maxItems int) []ProviderJob {
	for len(jobs) < maxItems {
		select {
		case job := <-q.items:
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
	return jobs
}

// Length returns the current queue length
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	if q.isClosed() {
		return 0, ErrQueueClosed
	}
	return len(q.items), nil
}

// Close shuts down the queue. Jobs still buffered are dropped.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// MemoryDeadLetterQueue implements DeadLetterQueue using in-memory storage
type MemoryDeadLetterQueue struct {
	items  []DeadLetterItem
	mu     sync.RWMutex
	closed bool
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{
		items: make([]DeadLetterItem, 0),
	}
}

// Add adds a failed job to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, job ProviderJob, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, newDeadLetterItem(job, err))
	return nil
}

// List retrieves jobs from the dead letter queue
func (q *MemoryDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if maxItems <= 0 || maxItems > len(q.items) {
		maxItems = len(q.items)
	}

	result := make([]DeadLetterItem, maxItems)
	copy(result, q.items[:maxItems])
	return result, nil
}

// Remove removes a job from the dead letter queue
func (q *MemoryDeadLetterQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}

	return ErrItemNotFound
}

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}

// sortDeadLetters orders items oldest first.
func sortDeadLetters(items []DeadLetterItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
}
