package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_fanout/internal/utils"
)

// RedisQueue implements Queue using a Redis list. The client is shared with
// the rest of the process and is not closed by the queue.
type RedisQueue struct {
	client *redis.Client
	config *Config
	qKey   string
	logger *utils.Logger
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if client == nil || config == nil {
		return nil, fmt.Errorf("client and config are required")
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
		logger: utils.NewLogger("redis-queue"),
	}, nil
}

// Enqueue adds a job to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, job ProviderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}

	return nil
}

// Dequeue retrieves jobs from the queue
func (q *RedisQueue) Dequeue(ctx context.Context, maxItems int) ([]ProviderJob, error) {
	// Block until at least one job is available
	result, err := q.client.BLPop(ctx, 0, q.qKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	return q.fill(ctx, q.decode(nil, result[1]), maxItems), nil
}

// DequeueWithTimeout retrieves jobs with a timeout
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]ProviderJob, error) {
	// Block until a job is available or timeout
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []ProviderJob{}, nil // Timeout, no jobs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	return q.fill(ctx, q.decode(nil, result[1]), maxItems), nil
}

// fill tops the batch up without blocking.
func (q *RedisQueue) fill(ctx context.Context, jobs []ProviderJob, maxItems int) []ProviderJob {
	for len(jobs) < maxItems {
		result, err := q.client.LPop(ctx, q.qKey).Result()
		if err != nil {
			// redis.Nil means the list is drained; anything else keeps what we have
			break
		}
		jobs = q.decode(jobs, result)
	}
	return jobs
}

// decode appends the job encoded in data. Malformed entries are logged and
// dropped; they can never succeed.
func (q *RedisQueue) decode(jobs []ProviderJob, data string) []ProviderJob {
	var job ProviderJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.logger.Error("Dropping malformed queue entry", "queue", q.qKey, "error", err)
		return jobs
	}
	return append(jobs, job)
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisQueue) Close() error {
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash
type RedisDeadLetterQueue struct {
	client *redis.Client
	dlKey  string
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue(client *redis.Client, config *Config) (*RedisDeadLetterQueue, error) {
	if client == nil || config == nil {
		return nil, fmt.Errorf("client and config are required")
	}

	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.QueueName),
	}, nil
}

// Add adds a failed job to the dead letter queue
func (q *RedisDeadLetterQueue) Add(ctx context.Context, job ProviderJob, err error) error {
	dlItem := newDeadLetterItem(job, err)

	data, marshalErr := json.Marshal(dlItem)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}

	return nil
}

// List retrieves jobs from the dead letter queue, oldest first
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var dlItem DeadLetterItem
		if err := json.Unmarshal([]byte(data), &dlItem); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dlItem)
	}

	sortDeadLetters(items)
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// Remove removes a job from the dead letter queue
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	removed, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner
func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
