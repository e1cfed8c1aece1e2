package async

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"modelgateway/internal/models"
	"modelgateway/internal/queue"
	"modelgateway/internal/utils"
)

// PollTask is one scheduled status check for a stored invocation. It rides
// the queue as plain JSON so any worker process can pick it up.
type PollTask struct {
	Metadata *models.InvocationMetadata `json:"metadata"`

	// NotBefore delays the poll until the invocation's poll interval has
	// elapsed since the previous check.
	NotBefore time.Time `json:"notBefore"`

	// Polls counts status checks performed so far.
	Polls int `json:"polls"`
}

// ResultStore persists terminal poll outcomes. Implementations must be
// idempotent: a terminal invocation marked again stays in the same state.
type ResultStore interface {
	MarkCompleted(ctx context.Context, invocationID string, result map[string]interface{}) error
	MarkFailed(ctx context.Context, invocationID, detail string) error
}

// Scheduler enqueues poll tasks for freshly-submitted invocations.
type Scheduler struct {
	queue  queue.Queue
	logger *utils.Logger
}

// NewScheduler creates a scheduler over the poll queue.
func NewScheduler(q queue.Queue, logger *utils.Logger) *Scheduler {
	if logger == nil {
		logger = utils.NewLogger("poll-scheduler")
	}
	return &Scheduler{queue: q, logger: logger}
}

// Schedule enqueues the first poll for an invocation, delayed by its poll
// interval.
func (s *Scheduler) Schedule(ctx context.Context, meta *models.InvocationMetadata) error {
	if meta == nil || meta.ID == "" {
		return utils.NewParamsError("metadata", "invocation metadata is required")
	}
	task := PollTask{
		Metadata:  meta,
		NotBefore: time.Now().UTC().Add(meta.PollInterval()),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return &utils.StorageError{Op: "schedule poll task", Err: err}
	}
	s.logger.Debug("scheduled poll", "provider", meta.Provider, "type", meta.Type)
	return nil
}

// PollWorker drains the poll queue, resolves invocation status through the
// tracker and persists terminal outcomes. In-progress jobs are re-enqueued
// with their next poll time; jobs that exceed the poll budget are marked
// failed and parked in the dead letter queue.
type PollWorker struct {
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	tracker     *Tracker
	store       ResultStore
	config      *queue.Config
	maxPolls    int
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewPollWorker creates a poll worker. maxPolls bounds how many times one
// invocation is checked before being declared stuck; <= 0 means 1000.
func NewPollWorker(q queue.Queue, dlq queue.DeadLetterQueue, tracker *Tracker, store ResultStore, config *queue.Config, maxPolls int) *PollWorker {
	if config == nil {
		config = queue.DefaultConfig("polltasks")
	}
	if maxPolls <= 0 {
		maxPolls = 1000
	}
	return &PollWorker{
		queue:       q,
		dlq:         dlq,
		tracker:     tracker,
		store:       store,
		config:      config,
		maxPolls:    maxPolls,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *PollWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *PollWorker) Stop() error {
	close(w.stopChan)
	<-w.stoppedChan
	return nil
}

func (w *PollWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	logger := utils.NewLogger("poll-worker")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Poll worker stopping")
			return
		case <-ctx.Done():
			logger.Info("Poll worker context cancelled")
			return
		default:
			w.processBatch(ctx, logger)
		}
	}
}

func (w *PollWorker) processBatch(ctx context.Context, logger *utils.Logger) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		logger.Error("Failed to dequeue poll tasks", "error", err)
		time.Sleep(1 * time.Second) // Back off on error
		return
	}

	for _, item := range items {
		task, err := decodePollTask(item)
		if err != nil {
			logger.Error("Discarding malformed poll task", "error", err)
			continue
		}
		w.processTask(ctx, logger, task)
	}
}

func (w *PollWorker) processTask(ctx context.Context, logger *utils.Logger, task PollTask) {
	if task.Metadata == nil || task.Metadata.ID == "" {
		logger.Error("Discarding poll task without invocation metadata")
		return
	}

	// Not due yet: put it back and let the batch timeout pace the loop.
	if time.Now().UTC().Before(task.NotBefore) {
		if err := w.queue.Enqueue(ctx, task); err != nil {
			logger.Error("Failed to requeue pending poll task", "error", err)
		}
		return
	}

	meta := task.Metadata
	result, err := w.tracker.Poll(ctx, meta)
	if err != nil {
		// Transient poll failures get another turn; anything else is
		// parked for inspection.
		if utils.IsRecoverableError(err) && task.Polls < w.maxPolls {
			w.requeue(ctx, logger, task)
			return
		}
		logger.Error("Poll failed terminally", "provider", meta.Provider, "error", err)
		w.park(ctx, logger, task, err)
		_ = w.store.MarkFailed(ctx, meta.ID, err.Error())
		return
	}

	switch result.Status {
	case StatusCompleted:
		if err := w.store.MarkCompleted(ctx, meta.ID, result.Result); err != nil {
			logger.Error("Failed to store completed invocation", "id", meta.ID, "error", err)
			w.park(ctx, logger, task, err)
		}
	case StatusFailed:
		detail := result.ErrorDetail
		if detail == "" {
			detail = meta.ContentHints.Failure
		}
		if err := w.store.MarkFailed(ctx, meta.ID, detail); err != nil {
			logger.Error("Failed to store failed invocation", "id", meta.ID, "error", err)
			w.park(ctx, logger, task, err)
		}
	default:
		if task.Polls+1 >= w.maxPolls {
			logger.Warn("Invocation exceeded poll budget", "id", meta.ID, "polls", task.Polls)
			w.park(ctx, logger, task, queue.ErrMaxRetriesExceeded)
			_ = w.store.MarkFailed(ctx, meta.ID, "polling budget exhausted before the job completed")
			return
		}
		w.requeue(ctx, logger, task)
	}
}

func (w *PollWorker) requeue(ctx context.Context, logger *utils.Logger, task PollTask) {
	task.Polls++
	task.NotBefore = time.Now().UTC().Add(task.Metadata.PollInterval())
	if err := w.queue.Enqueue(ctx, task); err != nil {
		logger.Error("Failed to requeue poll task", "error", err)
		w.park(ctx, logger, task, err)
	}
}

func (w *PollWorker) park(ctx context.Context, logger *utils.Logger, task PollTask, cause error) {
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Add(ctx, task, cause); err != nil {
		logger.Error("Failed to park poll task", "error", err)
	}
}

func decodePollTask(item interface{}) (PollTask, error) {
	switch v := item.(type) {
	case PollTask:
		return v, nil
	case json.RawMessage:
		var task PollTask
		if err := json.Unmarshal(v, &task); err != nil {
			return PollTask{}, err
		}
		return task, nil
	case []byte:
		var task PollTask
		if err := json.Unmarshal(v, &task); err != nil {
			return PollTask{}, err
		}
		return task, nil
	default:
		return PollTask{}, fmt.Errorf("unexpected queue item type %T", item)
	}
}
