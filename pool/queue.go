package pool

import (
	"context"
	"errors"
)

// ErrQueueNotFound is returned by queue operations on a deleted or missing queue.
var ErrQueueNotFound = errors.New("pool: queue not found")

// ErrStaleDelivery is returned when acknowledging a delivery whose visibility
// window expired and which was handed to another consumer.
var ErrStaleDelivery = errors.New("pool: stale delivery")

// Queue is a durable at-least-once FIFO backing the identity pool.
type Queue interface {
	// Create creates the queue if it does not exist.
	Create(ctx context.Context) error
	// Delete removes the queue and everything in it.
	Delete(ctx context.Context) error
	// Purge removes all messages but keeps the queue.
	Purge(ctx context.Context) error
	// Enqueue appends body at the tail.
	Enqueue(ctx context.Context, body string) error
	// Dequeue blocks until the head message is available or ctx is done.
	// The message stays invisible to other consumers until its visibility
	// window lapses; it must be acknowledged to be removed permanently.
	Dequeue(ctx context.Context) (Delivery, error)
}

// Delivery is one dequeued message together with its acknowledgement handle.
type Delivery interface {
	Body() string
	// Ack permanently removes the message from the queue.
	Ack(ctx context.Context) error
}
