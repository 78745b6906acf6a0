package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Package queue carries provider jobs from the orchestrator to the
// dispatcher workers. Two backends share one interface:
//
// 1. Memory Queue (in-memory, channel-based):
//    - No persistence, jobs lost on restart
//    - Single process only
//
// 2. Redis Queue (Redis List-based):
//    - Survives restarts of the API process
//    - Lets several dispatcher replicas share the work
//
//	┌─────────────┐
//	│   Submit    │  one job per provider
//	└──────┬──────┘
//	       ▼
//	┌──────────────┐
//	│ provider_jobs│
//	│ queue        │
//	└──────┬───────┘
//	       ▼
//	┌──────────────┐      ┌──────────────┐
//	│ Dispatcher   │─────▶│ Provider     │
//	│ (batches)    │      │ Caller       │
//	└──────┬───────┘      └──────────────┘
//	       │ (retry on store failure)
//	       ├──────────────┐
//	       ▼              ▼
//	┌──────────────┐  ┌─────┐
//	│ Aggregate    │  │ DLQ │
//	│ Store patch  │  └─────┘
//	└──────────────┘

// ProviderJob asks for one provider's answer to one aggregate's prompt.
type ProviderJob struct {
	ID              string    `json:"id"`
	AggregateID     string    `json:"aggregateId"`
	OwnerID         string    `json:"ownerId"`
	ProviderKey     string    `json:"providerKey"`
	Prompt          string    `json:"prompt"`
	Temperature     float64   `json:"temperature"`
	MaxTokens       int       `json:"maxTokens"`
	PriorResponseID string    `json:"priorResponseId,omitempty"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
}

// NewProviderJob stamps a fresh job id and enqueue time.
func NewProviderJob(aggregateID, ownerID, providerKey, prompt string) ProviderJob {
	return ProviderJob{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		OwnerID:     ownerID,
		ProviderKey: providerKey,
		Prompt:      prompt,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Queue defines the interface for provider job queuing
type Queue interface {
	// Enqueue adds a job to the queue
	Enqueue(ctx context.Context, job ProviderJob) error

	// Dequeue retrieves jobs from the queue (up to maxItems)
	// Blocks until at least one job is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]ProviderJob, error)

	// DequeueWithTimeout retrieves jobs with a timeout
	// Returns jobs if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]ProviderJob, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue defines the interface for jobs whose result could not be stored
type DeadLetterQueue interface {
	// Add adds a failed job to the dead letter queue with error info
	Add(ctx context.Context, job ProviderJob, err error) error

	// List retrieves jobs from the dead letter queue, oldest first
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove removes a job from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents a job in the dead letter queue
type DeadLetterItem struct {
	ID        string      `json:"id"`
	Job       ProviderJob `json:"job"`
	Error     string      `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

func newDeadLetterItem(job ProviderJob, err error) DeadLetterItem {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return DeadLetterItem{
		ID:        uuid.NewString(),
		Job:       job,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// Config holds queue configuration
type Config struct {
	// QueueName is the name/key for the queue
	QueueName string

	// BatchSize is the maximum number of jobs taken per dequeue
	BatchSize int

	// BatchTimeout is how long a dequeue waits for the first job
	BatchTimeout time.Duration

	// Capacity bounds the memory queue; 0 means ten batches
	Capacity int

	// MaxRetries is the maximum number of store retry attempts per job
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		QueueName:    queueName,
		BatchSize:    20,
		BatchTimeout: 200 * time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

func (c *Config) capacity() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	if c.BatchSize > 0 {
		return c.BatchSize * 10
	}
	return 100
}
