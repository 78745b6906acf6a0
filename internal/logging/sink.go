package logging

import (
	"context"
	"errors"
	"sync"
	"time"

	"llm_fanout/internal/models"
	"llm_fanout/internal/utils"
)

// ErrSinkFull is returned by Enqueue when the buffer cannot take more records.
var ErrSinkFull = errors.New("logging sink buffer is full")

// CallRecord is one provider call as written to the call log.
type CallRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	AggregateID     string    `json:"aggregate_id"`
	OwnerID         string    `json:"owner_id"`
	Provider        string    `json:"provider"`
	UpstreamModelID string    `json:"upstream_model_id,omitempty"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	ResponseMs      int64     `json:"response_ms"`
	PromptTokens    int       `json:"prompt_tokens"`
	CompletionTok   int       `json:"completion_tokens"`
	TotalTokens     int       `json:"total_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	Retry           bool      `json:"retry,omitempty"`
}

// NewCallRecord builds a record from a finished provider result.
func NewCallRecord(aggregateID, ownerID string, r models.ProviderResult, retry bool) *CallRecord {
	return &CallRecord{
		Timestamp:       r.CreatedAt,
		AggregateID:     aggregateID,
		OwnerID:         ownerID,
		Provider:        r.ProviderKey,
		UpstreamModelID: r.UpstreamModelID,
		Status:          string(r.Status),
		Error:           r.ErrorMessage,
		ResponseMs:      r.ResponseTimeMs,
		PromptTokens:    r.TokenUsage.Prompt,
		CompletionTok:   r.TokenUsage.Completion,
		TotalTokens:     r.TokenUsage.Total,
		CostUSD:         r.CostUSD,
		Retry:           retry,
	}
}

// Sink receives call records.
type Sink interface {
	Enqueue(rec *CallRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *CallRecord) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}

// BatchWriter persists a batch of records somewhere durable.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*CallRecord) (string, error)
}

// BufferedSinkConfig controls batching for BufferedSink.
type BufferedSinkConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

// BufferedSink collects records in memory and hands them to a BatchWriter
// when FlushSize records are pending or FlushInterval elapses.
type BufferedSink struct {
	writer  BatchWriter
	cfg     BufferedSinkConfig
	records chan *CallRecord
	logger  *utils.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once
}

// NewBufferedSink starts the background flush loop.
func NewBufferedSink(writer BatchWriter, cfg BufferedSinkConfig) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}

	s := &BufferedSink{
		writer:      writer,
		cfg:         cfg,
		records:     make(chan *CallRecord, cfg.BufferSize),
		logger:      utils.NewLogger("call-log"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue never blocks; when the buffer is full the record is dropped.
func (s *BufferedSink) Enqueue(rec *CallRecord) error {
	select {
	case <-s.stopChan:
		return errors.New("logging sink is shut down")
	default:
	}

	select {
	case s.records <- rec:
		return nil
	default:
		return ErrSinkFull
	}
}

// Shutdown stops the loop and flushes whatever is still buffered.
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	select {
	case <-s.stoppedChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BufferedSink) run() {
	defer close(s.stoppedChan)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*CallRecord, 0, s.cfg.FlushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
			s.logger.Error("Failed to write call log batch", "count", len(batch), "error", err)
		}
		batch = make([]*CallRecord, 0, s.cfg.FlushSize)
	}

	for {
		select {
		case rec := <-s.records:
			batch = append(batch, rec)
			if len(batch) >= s.cfg.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			for {
				select {
				case rec := <-s.records:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}
