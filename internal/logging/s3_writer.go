package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"modelgateway/internal/utils"
)

// S3Writer ships batches of gateway call records to S3 as JSON Lines
// objects, one object per flush.
type S3Writer struct {
	client  *s3.Client
	bucket  string
	prefix  string
	podName string
	logger  *utils.Logger
}

// NewS3Writer builds a writer from the ambient AWS credential chain.
func NewS3Writer(ctx context.Context, bucket, region, prefix, podName string) (*S3Writer, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Writer{
		client:  s3.NewFromConfig(cfg),
		bucket:  bucket,
		prefix:  prefix,
		podName: podName,
		logger:  utils.NewLogger("s3-writer"),
	}, nil
}

// objectKey partitions objects by day so downstream consumers can list a
// date range cheaply, e.g. logs/2026/08/29/gateway-0-20260829-143022-123456789.jsonl
func (w *S3Writer) objectKey(now time.Time) string {
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%d.jsonl",
		w.prefix, now.Year(), now.Month(), now.Day(),
		w.podName, now.Format("20060102-150405"), now.Nanosecond())
}

// WriteBatch uploads the records as one JSONL object and returns its key.
// Records that fail to encode are skipped, not fatal for the batch.
func (w *S3Writer) WriteBatch(ctx context.Context, records []*LogRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	written := 0
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			w.logger.Error("Failed to encode record", "error", err)
			continue
		}
		written++
	}

	key := w.objectKey(time.Now())
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote batch to S3", "key", key, "count", written, "bytes", buf.Len())
	return key, nil
}
