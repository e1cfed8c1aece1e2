package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modelgateway/internal/queue"
	"modelgateway/internal/utils"
)

// QueueSink buffers metrics through the queue subsystem so recording never
// blocks the request path, and a worker drains them in batches.
type QueueSink struct {
	queue  queue.Queue
	logger *utils.Logger
}

// NewQueueSink creates a sink over a queue.
func NewQueueSink(q queue.Queue, logger *utils.Logger) *QueueSink {
	if logger == nil {
		logger = utils.NewLogger("metrics")
	}
	return &QueueSink{queue: q, logger: logger}
}

// RecordCall enqueues the metric. Enqueue failures are logged and dropped;
// metrics loss must not surface to the caller.
func (s *QueueSink) RecordCall(metric CallMetric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.queue.Enqueue(ctx, metric); err != nil {
		s.logger.Warn("dropping call metric", "error", err)
	}
}

// Worker drains the metrics queue in batches into a Recorder.
type Worker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	recorder    Recorder
	config      *queue.Config
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a metrics queue worker.
func NewWorker(q queue.Queue, dlq queue.DeadLetterQueue, recorder Recorder, config *queue.Config) *Worker {
	if config == nil {
		config = queue.DefaultConfig("metrics")
	}
	return &Worker{
		queue:       q,
		dlq:         dlq,
		recorder:    recorder,
		config:      config,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *Worker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	logger := utils.NewLogger("metrics-worker")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Metrics worker stopping")
			return
		case <-ctx.Done():
			logger.Info("Metrics worker context cancelled")
			return
		default:
			w.processBatch(ctx, logger)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, logger *utils.Logger) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		logger.Error("Failed to dequeue call metrics", "error", err)
		time.Sleep(1 * time.Second) // Back off on error
		return
	}
	if len(items) == 0 {
		return
	}

	batch := make([]CallMetric, 0, len(items))
	for _, item := range items {
		metric, err := decodeMetric(item)
		if err != nil {
			logger.Error("Discarding malformed call metric", "error", err)
			continue
		}
		batch = append(batch, metric)
	}
	if len(batch) == 0 {
		return
	}

	if err := w.recorder.RecordBatch(ctx, batch); err != nil {
		logger.Error("Failed to record metrics batch", "error", err, "count", len(batch))
		if w.dlq != nil {
			for _, metric := range batch {
				_ = w.dlq.Add(ctx, metric, err)
			}
		}
	}
}

func decodeMetric(item interface{}) (CallMetric, error) {
	switch v := item.(type) {
	case CallMetric:
		return v, nil
	case json.RawMessage:
		var metric CallMetric
		if err := json.Unmarshal(v, &metric); err != nil {
			return CallMetric{}, err
		}
		return metric, nil
	case []byte:
		var metric CallMetric
		if err := json.Unmarshal(v, &metric); err != nil {
			return CallMetric{}, err
		}
		return metric, nil
	default:
		return CallMetric{}, fmt.Errorf("unexpected queue item type %T", item)
	}
}
