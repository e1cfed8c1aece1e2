package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue over a buffered channel. It backs the poll
// scheduler and the log/metrics sinks when Redis is not configured.
type MemoryQueue struct {
	items  chan interface{}
	mu     sync.RWMutex
	closed bool
	config *Config
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}

	return &MemoryQueue{
		items:  make(chan interface{}, config.BatchSize*10), // Buffer for 10 batches
		config: config,
	}
}

// Enqueue adds an item to the queue
func (q *MemoryQueue) Enqueue(ctx context.Context, item interface{}) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until at least one item is available, then drains further
// items without blocking, up to maxItems.
func (q *MemoryQueue) Dequeue(ctx context.Context, maxItems int) ([]interface{}, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	var items []interface{}

	select {
	case item := <-q.items:
		items = append(items, item)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.drainInto(items, maxItems), nil
}

// DequeueWithTimeout behaves like Dequeue but gives up on the first item
// after timeout, returning an empty batch rather than an error.
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	var items []interface{}
	deadline := time.After(timeout)

	select {
	case item := <-q.items:
		items = append(items, item)
	case <-deadline:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.drainInto(items, maxItems), nil
}

// drainInto collects further items without blocking, up to maxItems total.
func (q *MemoryQueue) drainInto(items []interface{}, maxItems int) []interface{} {
	for len(items) < maxItems {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items
		}
	}
	return items
}

// Length returns the current queue length
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	return len(q.items), nil
}

// Close shuts down the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.items)
	return nil
}

// MemoryDeadLetterQueue holds parked tasks in memory so exhausted poll jobs
// can be inspected until the process restarts.
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

// Add adds a failed item to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, item interface{}, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, DeadLetterItem{
		ID:        uuid.NewString(),
		Item:      item,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	return nil
}

// List retrieves items from the dead letter queue
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

// Remove removes an item from the dead letter queue
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
