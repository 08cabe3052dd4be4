// Package memory provides an in-memory implementation of the queue interfaces.
// This is useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sync"
	"time"

	"rankstream/internal/queue"
)

// Queue is an in-memory implementation of both Producer and Consumer
// interfaces. Messages are stored in a channel, allowing for simple pub/sub
// within a process. Offsets are assigned sequentially on publish so the
// snapshot marker machinery behaves the same as with a real log.
// This implementation is safe for concurrent use.
type Queue struct {
	messages   chan *queue.Message
	log        []*queue.Message
	nextOffset int64
	closed     bool
	mu         sync.RWMutex
	wg         sync.WaitGroup
}

// NewQueue creates a new in-memory queue with the specified buffer size.
// The buffer size determines how many messages can be queued before
// Publish blocks (or fails if the context is canceled).
func NewQueue(bufferSize int) *Queue {
	return &Queue{
		messages: make(chan *queue.Message, bufferSize),
	}
}

// Publish appends a message to the in-memory queue, stamping it with the
// next sequential offset and the current time. This method blocks if the
// queue is full until space is available or the context is canceled.
func (q *Queue) Publish(ctx context.Context, msg *queue.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	msg.Offset = q.nextOffset
	q.nextOffset++
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	// Retain everything published so recovery can replay the tail by
	// offset, the way a durable log would.
	q.log = append(q.log, msg)
	q.mu.Unlock()

	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins consuming messages and calls the handler for each one.
// This blocks until the context is canceled or the queue is closed.
func (q *Queue) Start(ctx context.Context, handler queue.MessageHandler) error {
	q.wg.Add(1)
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-q.messages:
			if !ok {
				// Channel closed
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				// Handler errors are logged by the caller; keep consuming.
				continue
			}
		}
	}
}

// Replay re-delivers retained messages with offsets after the given one,
// in offset order. Handler errors abort the replay; recovery must not
// serve with a partially applied tail.
func (q *Queue) Replay(ctx context.Context, after int64, handler queue.MessageHandler) error {
	q.mu.RLock()
	tail := make([]*queue.Message, 0, len(q.log))
	for _, msg := range q.log {
		if msg.Offset > after {
			tail = append(tail, msg)
		}
	}
	q.mu.RUnlock()

	for _, msg := range tail {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down the queue, stopping all consumers.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.messages)
	q.wg.Wait()
	return nil
}

// Len returns the current number of messages in the queue.
// Useful for testing to verify queue state.
func (q *Queue) Len() int {
	return len(q.messages)
}
