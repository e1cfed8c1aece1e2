package queue

import (
	"context"
	"time"
)

// Package queue provides the buffering layer between request handling and the
// background workers. Two queues are built on it: the poll queue, which carries
// scheduled status checks for asynchronous provider invocations, and the
// metrics queue, which batches per-call records before they are shipped to the
// recorder. Both run on either backend:
//
//  1. Memory (channel-based): no persistence, no external services. Used for
//     standalone deployments and in tests.
//  2. Redis (list-based): survives restarts and supports multiple worker
//     processes draining the same queue.
//
// Workers drain in batches, retry transient failures, and park items that
// exhaust their retries in a dead letter queue for inspection.

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// Dequeue retrieves items from the queue (up to maxItems)
	// Blocks until at least one item is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]interface{}, error)

	// DequeueWithTimeout retrieves items with a timeout
	// Returns items if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue defines the interface for handling failed items
type DeadLetterQueue interface {
	// Add adds a failed item to the dead letter queue with error info
	Add(ctx context.Context, item interface{}, err error) error

	// List retrieves items from the dead letter queue
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string
	Item      interface{}
	Error     string
	Timestamp time.Time
	Retries   int
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis indicates whether to use Redis or in-memory queue
	UseRedis bool

	// RedisAddr is the Redis server address (if UseRedis is true)
	RedisAddr string

	// RedisPassword is the Redis password (if UseRedis is true)
	RedisPassword string

	// RedisDB is the Redis database number (if UseRedis is true)
	RedisDB int

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}

// New builds a queue and matching dead letter queue from config.
func New(config *Config) (Queue, DeadLetterQueue, error) {
	if config.UseRedis {
		q, err := NewRedisQueue(config)
		if err != nil {
			return nil, nil, err
		}
		dlq, err := NewRedisDeadLetterQueue(config)
		if err != nil {
			q.Close()
			return nil, nil, err
		}
		return q, dlq, nil
	}
	return NewMemoryQueue(config), NewMemoryDeadLetterQueue(), nil
}
