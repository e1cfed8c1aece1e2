package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	ctx := context.Background()

	if err := q.Enqueue(ctx, "poll-task-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := q.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].(string) != "poll-task-1" {
		t.Errorf("Expected poll-task-1, got %v", items[0])
	}
}

func TestMemoryQueue_BatchDequeue(t *testing.T) {
	config := DefaultConfig("test")
	config.BatchSize = 5
	q := NewMemoryQueue(config)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := q.Enqueue(ctx, i); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	items, err := q.Dequeue(ctx, 5)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("Expected 5 items, got %d", len(items))
	}

	length, err := q.Length(ctx)
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if length != 5 {
		t.Errorf("Expected 5 remaining, got %d", length)
	}
}

func TestMemoryQueue_DequeueWithTimeout_Empty(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	defer q.Close()

	start := time.Now()
	items, err := q.DequeueWithTimeout(context.Background(), 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected no items, got %d", len(items))
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Returned before timeout: %v", elapsed)
	}
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(DefaultConfig("test"))
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent
	if err := q.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := q.Enqueue(context.Background(), "x"); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	if _, err := q.Dequeue(context.Background(), 1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestMemoryQueue_ConcurrentProducers(t *testing.T) {
	config := DefaultConfig("test")
	config.BatchSize = 100
	q := NewMemoryQueue(config)
	defer q.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := q.Enqueue(ctx, p*100+i); err != nil {
					t.Errorf("Enqueue failed: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	total := 0
	for total < 100 {
		items, err := q.DequeueWithTimeout(ctx, 100, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if len(items) == 0 {
			break
		}
		total += len(items)
	}
	if total != 100 {
		t.Errorf("Expected 100 items total, got %d", total)
	}
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue()
	defer dlq.Close()

	ctx := context.Background()
	if err := dlq.Add(ctx, "failed-item", errors.New("recorder unavailable")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	items, err := dlq.List(ctx, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].Error != "recorder unavailable" {
		t.Errorf("Unexpected error text: %s", items[0].Error)
	}

	if err := dlq.Remove(ctx, items[0].ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := dlq.Remove(ctx, items[0].ID); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}
}
