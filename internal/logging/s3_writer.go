package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"llm_fanout/internal/utils"
)

// S3WriterConfig configures the S3 call log writer. Endpoint and static
// keys are only needed for S3-compatible stores such as MinIO.
type S3WriterConfig struct {
	Bucket    string
	Region    string
	Prefix    string
	PodName   string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Writer handles writing batches of call records to S3
type S3Writer struct {
	client  *s3.Client
	bucket  string
	prefix  string
	podName string
	logger  *utils.Logger
	now     func() time.Time
}

// NewS3Writer creates a new S3 writer
func NewS3Writer(ctx context.Context, cfg S3WriterConfig) (*S3Writer, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3WriterWithClient(client, cfg), nil
}

func newS3WriterWithClient(client *s3.Client, cfg S3WriterConfig) *S3Writer {
	return &S3Writer{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		podName: cfg.PodName,
		logger:  utils.NewLogger("s3-writer"),
		now:     time.Now,
	}
}

// objectKey formats calls/2026/03/01/fanout-0-20260301-143022-123456789.jsonl
func (w *S3Writer) objectKey(now time.Time) string {
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		w.prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		w.podName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)
}

// WriteBatch writes records as one JSON Lines object and returns its key.
func (w *S3Writer) WriteBatch(ctx context.Context, records []*CallRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	body, err := encodeJSONLines(records)
	if err != nil {
		return "", err
	}

	key := w.objectKey(w.now().UTC())
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote call log batch", "key", key, "count", len(records), "bytes", len(body))
	return key, nil
}

func encodeJSONLines(records []*CallRecord) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return nil, fmt.Errorf("encode call record: %w", err)
		}
	}
	return buf.Bytes(), nil
}
