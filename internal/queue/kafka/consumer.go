package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"rankstream/internal/config"
	"rankstream/internal/metrics"
	"rankstream/internal/queue"
)

// Consumer implements queue.Consumer using Kafka.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(cfg *config.KafkaConfig, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{
		reader: reader,
		logger: logger,
	}
}

// Start begins consuming messages and calls the handler for each one.
func (c *Consumer) Start(ctx context.Context, handler queue.MessageHandler) error {
	c.logger.Info("starting kafka consumer",
		"topic", c.reader.Config().Topic,
		"group", c.reader.Config().GroupID,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka consumer stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		metrics.StreamLagSeconds.Set(time.Since(msg.Time).Seconds())

		queueMsg := toQueueMessage(msg)

		// Process the message. Ingestion-side failures are absorbed inside
		// the handler; an error here means the handler could not make
		// progress and the message should not be committed.
		if err := handler(ctx, queueMsg); err != nil {
			c.logger.Error("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		// Commit the message after successful processing
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// Replay re-reads the topic tail after the given offset with a dedicated
// group-less reader, leaving the consumer group's committed offsets
// untouched. Snapshot markers are partition offsets, so replay assumes
// the single-partition topic layout the service provisions.
func (c *Consumer) Replay(ctx context.Context, after int64, handler queue.MessageHandler) error {
	cfg := c.reader.Config()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffset(after + 1); err != nil {
		return fmt.Errorf("failed to seek replay reader: %w", err)
	}

	for {
		lag, err := reader.ReadLag(ctx)
		if err != nil {
			return fmt.Errorf("failed to read replay lag: %w", err)
		}
		if lag <= 0 {
			return nil
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch replay message: %w", err)
		}
		if err := handler(ctx, toQueueMessage(msg)); err != nil {
			return fmt.Errorf("replay handler failed at offset %d: %w", msg.Offset, err)
		}
	}
}

// toQueueMessage converts a Kafka message into the log abstraction.
func toQueueMessage(msg kafka.Message) *queue.Message {
	queueMsg := &queue.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: make(map[string]string),
		Offset:  msg.Offset,
		Time:    msg.Time,
	}
	for _, h := range msg.Headers {
		queueMsg.Headers[h.Key] = string(h.Value)
	}
	return queueMsg
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
