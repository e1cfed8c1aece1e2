package queue

import "errors"

var (
	// ErrQueueClosed is returned by any operation on a queue after Close.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when a dead-letter item id does not exist.
	ErrItemNotFound = errors.New("item not found")

	// ErrMaxRetriesExceeded marks tasks parked after exhausting their retry
	// or polling budget.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
