// Package queue defines interfaces for event log operations.
// This abstraction allows swapping implementations (Kafka, in-memory)
// without changing business logic.
package queue

import (
	"context"
	"time"
)

// Message represents a message on the event log.
type Message struct {
	// Key is the partition key for ordering guarantees. Events for the
	// same scope carry the same key and are consumed in order.
	Key []byte

	// Value is the message payload.
	Value []byte

	// Headers contains optional metadata.
	Headers map[string]string

	// Offset is the position of this message in its partition. Snapshots
	// record the last applied offset so recovery can replay the tail.
	Offset int64

	// Time is when the message was appended to the log, used to measure
	// consumer lag.
	Time time.Time
}

// Producer defines the interface for publishing messages to the log.
// Implementations must be safe for concurrent use.
type Producer interface {
	// Publish appends a message to the log. Messages with the same key
	// are guaranteed to be consumed in order.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the producer.
	Close() error
}

// MessageHandler is a callback function for processing consumed messages.
// Return an error to indicate processing failure (implementation may retry).
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer defines the interface for consuming messages from the log.
type Consumer interface {
	// Start begins consuming messages and calls the handler for each one.
	// This is a blocking call that runs until the context is canceled
	// or an unrecoverable error occurs.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases any resources.
	Close() error
}
