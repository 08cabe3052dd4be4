package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"rankstream/internal/domain"
	"rankstream/internal/query"
)

// QueryHandler handles top-K ranking queries.
type QueryHandler struct {
	server  *query.Server
	timeout time.Duration
	logger  *slog.Logger
}

// NewQueryHandler creates a new query handler. The timeout bounds each
// query; on expiry the server returns a partial result instead of failing.
func NewQueryHandler(server *query.Server, timeout time.Duration, logger *slog.Logger) *QueryHandler {
	return &QueryHandler{
		server:  server,
		timeout: timeout,
		logger:  logger,
	}
}

// PopularItems handles GET /v1/scopes/:scope/popular
// Query params: window (1d|7d|30d|all), k, mode (approx|exact|hybrid).
func (h *QueryHandler) PopularItems(c *fiber.Ctx) error {
	scope := c.Params("scope")
	if scope == "" {
		return ValidationError(c, "scope is required")
	}

	window, err := domain.ParseWindow(c.Query("window", string(domain.Window7d)))
	if err != nil {
		return ValidationError(c, err.Error())
	}

	mode, err := domain.ParseQueryMode(c.Query("mode"))
	if err != nil {
		return ValidationError(c, err.Error())
	}

	k := c.QueryInt("k", 10)

	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()

	result, err := h.server.GetTopK(ctx, scope, window, k, mode)
	if err != nil {
		switch {
		case errors.Is(err, query.ErrInvalidK):
			return ValidationError(c, err.Error())
		case errors.Is(err, query.ErrScopeTooLarge):
			return ScopeTooLarge(c, err.Error())
		case errors.Is(err, query.ErrUnavailable):
			return Unavailable(c, err.Error())
		}
		h.logger.Error("query failed", "error", err, "scope", scope, "window", window)
		return InternalError(c, "query failed")
	}

	return Success(c, result)
}
