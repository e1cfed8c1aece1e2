package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"modelgateway/internal/queue"
	"modelgateway/internal/utils"
)

// S3SinkConfig holds configuration for the S3-backed sink.
type S3SinkConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PodName       string
}

// S3Sink buffers log records in memory and flushes them to S3 in batches,
// either when FlushSize records accumulate or FlushInterval elapses.
type S3Sink struct {
	queue         queue.Queue
	writer        *S3Writer
	flushSize     int
	flushInterval time.Duration
	logger        *utils.Logger
	stopChan      chan struct{}
	stoppedChan   chan struct{}
	wg            sync.WaitGroup
}

// NewS3Sink creates an S3 sink and starts its background flush worker.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	writer, err := NewS3Writer(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Prefix, cfg.PodName)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 writer: %w", err)
	}

	queueConfig := &queue.Config{
		QueueName:    "logging",
		BatchSize:    cfg.FlushSize,
		BatchTimeout: cfg.FlushInterval,
	}
	sink := &S3Sink{
		queue:         queue.NewMemoryQueue(queueConfig),
		writer:        writer,
		flushSize:     cfg.FlushSize,
		flushInterval: cfg.FlushInterval,
		logger:        utils.NewLogger("s3-sink"),
		stopChan:      make(chan struct{}),
		stoppedChan:   make(chan struct{}),
	}

	sink.wg.Add(1)
	go sink.run(ctx)

	return sink, nil
}

// Enqueue buffers one record for the next flush. Never blocks the caller
// for longer than the enqueue timeout; records are dropped if the buffer
// is saturated.
func (s *S3Sink) Enqueue(rec *LogRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.queue.Enqueue(ctx, rec)
}

// Shutdown stops the flush worker and drains remaining records.
func (s *S3Sink) Shutdown(ctx context.Context) error {
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Final drain of whatever is still buffered.
	items, err := s.queue.DequeueWithTimeout(ctx, s.flushSize*10, 100*time.Millisecond)
	if err == nil && len(items) > 0 {
		s.flush(ctx, items)
	}
	return s.queue.Close()
}

func (s *S3Sink) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.stoppedChan)

	var pending []interface{}
	flushDeadline := time.Now().Add(s.flushInterval)

	for {
		select {
		case <-s.stopChan:
			s.flush(ctx, pending)
			return
		case <-ctx.Done():
			s.flush(ctx, pending)
			return
		default:
		}

		// Each wait is capped so the stop channel is observed promptly
		// even with a long flush interval.
		wait := time.Until(flushDeadline)
		if wait > time.Second {
			wait = time.Second
		}
		if wait < 0 {
			wait = 0
		}

		items, err := s.queue.DequeueWithTimeout(ctx, s.flushSize-len(pending), wait)
		if err != nil {
			if err == queue.ErrQueueClosed {
				s.flush(ctx, pending)
				return
			}
			s.logger.Error("Failed to dequeue log records", "error", err)
			time.Sleep(time.Second)
			continue
		}
		pending = append(pending, items...)

		if len(pending) >= s.flushSize || (time.Now().After(flushDeadline) && len(pending) > 0) {
			s.flush(ctx, pending)
			pending = nil
			flushDeadline = time.Now().Add(s.flushInterval)
		} else if time.Now().After(flushDeadline) {
			flushDeadline = time.Now().Add(s.flushInterval)
		}
	}
}

func (s *S3Sink) flush(ctx context.Context, items []interface{}) {
	records := make([]*LogRecord, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(item)
		if err != nil {
			s.logger.Error("Discarding malformed log record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return
	}

	if _, err := s.writer.WriteBatch(ctx, records); err != nil {
		s.logger.Error("Failed to flush log records to S3", "error", err, "count", len(records))
	}
}

func decodeRecord(item interface{}) (*LogRecord, error) {
	switch v := item.(type) {
	case *LogRecord:
		return v, nil
	case LogRecord:
		return &v, nil
	case json.RawMessage:
		var rec LogRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	case []byte:
		var rec LogRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	default:
		return nil, fmt.Errorf("unexpected queue item type %T", item)
	}
}
