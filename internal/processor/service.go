// Package processor consumes events from the log and drives the
// aggregation pipeline: route, then fan out to the exact count store and
// the candidate tracker through the scope workers. It also tracks the
// per-scope last-applied log offset recorded into snapshots.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"rankstream/internal/domain"
	"rankstream/internal/queue"
	"rankstream/internal/reconcile"
	"rankstream/internal/router"
	"rankstream/internal/worker"
)

// Service processes events from the log.
type Service struct {
	consumer   queue.Consumer
	router     *router.Router
	pool       *worker.Pool
	reconciler *reconcile.Reconciler
	markers    *Markers
	logger     *slog.Logger
}

// NewService creates a new processor service.
func NewService(
	consumer queue.Consumer,
	rt *router.Router,
	pool *worker.Pool,
	reconciler *reconcile.Reconciler,
	markers *Markers,
	logger *slog.Logger,
) *Service {
	return &Service{
		consumer:   consumer,
		router:     rt,
		pool:       pool,
		reconciler: reconciler,
		markers:    markers,
		logger:     logger,
	}
}

// Start begins consuming events from the log and processing them.
// This is a blocking call that runs until the context is canceled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting processor service")
	return s.consumer.Start(ctx, s.Handle)
}

// Handle processes one message from the log. It is the consumer callback
// and also the handler recovery uses to replay the log tail.
// Ingestion-side problems (malformed, duplicate, expired events) are
// absorbed here and never surfaced to the log as failures; the delivery
// contract is at-least-once and dropping them is the correct behavior.
func (s *Service) Handle(ctx context.Context, msg *queue.Message) error {
	var event domain.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		s.logger.Error("failed to deserialize event", "error", err)
		// Do not reprocess malformed messages.
		return nil
	}

	decision, err := s.router.Route(ctx, &event)
	if err != nil {
		if errors.Is(err, router.ErrInvalidEvent) {
			s.logger.Warn("dropping malformed event", "error", err, "eventId", event.EventID)
			return nil
		}
		// Dedup store failure: the event was not applied, so surface the
		// error to prevent the offset commit and get a redelivery.
		return err
	}

	switch decision.Class {
	case router.Duplicate, router.Expired:
		// No-op outcomes; already counted by the router. There is nothing
		// to persist, so the marker may claim the offset right away.
		s.markers.Advance(event.Scope, msg.Offset)
	case router.Late:
		if err := s.reconciler.Reconcile(ctx, &event, decision.Bucket, msg.Offset); err != nil {
			return err
		}
	case router.OnTime:
		// The marker is NOT advanced here: the op may sit in a worker
		// mailbox past the next snapshot. The pool reports the offset
		// after the apply lands.
		err := s.pool.Submit(ctx, worker.Op{
			Scope:       event.Scope,
			ItemID:      event.ItemID,
			Bucket:      decision.Bucket,
			Delta:       event.Op.Delta(),
			Observe:     event.Op == domain.OpAdd,
			Occurrences: 1,
			Offset:      msg.Offset,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Stop closes the underlying consumer.
func (s *Service) Stop() error {
	return s.consumer.Close()
}
