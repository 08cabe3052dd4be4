// Package ingest provides the event ingestion service for the HTTP path.
// It validates events, assigns missing identifiers, and publishes to the
// event log keyed by scope so all events for a scope land on the same
// partition and are processed in order.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"rankstream/internal/domain"
	"rankstream/internal/metrics"
	"rankstream/internal/queue"
)

// ErrPublishFailed wraps event log publish failures.
var ErrPublishFailed = errors.New("failed to publish event to log")

// Service handles event ingestion logic.
type Service struct {
	producer queue.Producer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new ingest service.
func NewService(producer queue.Producer, logger *slog.Logger) *Service {
	return &Service{
		producer: producer,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest validates the event and publishes it to the log. A missing
// eventId is assigned here so direct HTTP producers get dedup protection
// without minting their own; a missing timestamp defaults to now.
func (s *Service) Ingest(ctx context.Context, event *domain.Event) error {
	start := s.now()

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.TS.IsZero() {
		event.TS = start
	}
	if err := event.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := &queue.Message{
		Key:   []byte(event.Scope),
		Value: payload,
	}
	if err := s.producer.Publish(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s", ErrPublishFailed, err)
	}

	metrics.IngestLatency.Observe(s.now().Sub(start).Seconds())

	s.logger.Debug("event published",
		"eventId", event.EventID,
		"scope", event.Scope,
		"op", event.Op,
	)
	return nil
}
