package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"rankstream/internal/domain"
	"rankstream/internal/ingest"
)

// IngestHandler handles HTTP requests for event ingestion.
type IngestHandler struct {
	service *ingest.Service
	logger  *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(service *ingest.Service, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		service: service,
		logger:  logger,
	}
}

// IngestEvent handles POST /v1/events
// Receives an event, validates it, and publishes to the event log.
// Returns 202 Accepted immediately - processing happens asynchronously.
func (h *IngestHandler) IngestEvent(c *fiber.Ctx) error {
	var event domain.Event
	if err := c.BodyParser(&event); err != nil {
		h.logger.Debug("failed to parse event body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	if err := h.service.Ingest(c.Context(), &event); err != nil {
		switch err {
		case domain.ErrEmptyScope, domain.ErrEmptyItemID, domain.ErrInvalidOp:
			return ValidationError(c, err.Error())
		}
		h.logger.Error("failed to ingest event", "error", err, "eventId", event.EventID)
		return InternalError(c, "failed to ingest event")
	}

	h.logger.Debug("event accepted", "eventId", event.EventID, "scope", event.Scope)

	return Accepted(c, map[string]string{
		"status":  "accepted",
		"eventId": event.EventID,
	})
}
