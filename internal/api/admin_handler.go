package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"rankstream/internal/counter"
	"rankstream/internal/dedup"
	"rankstream/internal/domain"
	"rankstream/internal/metrics"
	"rankstream/internal/snapshot"
	"rankstream/internal/tracker"
)

// AdminHandler exposes the operational surface: force snapshots, rebuild
// candidate tables after tracker data loss, and per-scope stats.
type AdminHandler struct {
	snapshots *snapshot.Manager
	rebuilder *tracker.Rebuilder
	exact     counter.Store
	dedup     dedup.Store
	logger    *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	snapshots *snapshot.Manager,
	rebuilder *tracker.Rebuilder,
	exact counter.Store,
	dedupStore dedup.Store,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		snapshots: snapshots,
		rebuilder: rebuilder,
		exact:     exact,
		dedup:     dedupStore,
		logger:    logger,
	}
}

// ForceSnapshot handles POST /v1/admin/scopes/:scope/snapshot
func (h *AdminHandler) ForceSnapshot(c *fiber.Ctx) error {
	scope := c.Params("scope")
	if scope == "" {
		return ValidationError(c, "scope is required")
	}

	snap, err := h.snapshots.SnapshotScope(c.Context(), scope)
	if err != nil {
		h.logger.Error("forced snapshot failed", "error", err, "scope", scope)
		return InternalError(c, "snapshot failed")
	}

	return Success(c, map[string]interface{}{
		"scope":    snap.Scope,
		"version":  snap.Version,
		"counters": len(snap.Counters),
		"marker":   snap.LastApplied,
	})
}

// RebuildCandidates handles POST /v1/admin/scopes/:scope/windows/:window/rebuild
// Recomputes the candidate table from the exact count store.
func (h *AdminHandler) RebuildCandidates(c *fiber.Ctx) error {
	scope := c.Params("scope")
	if scope == "" {
		return ValidationError(c, "scope is required")
	}
	window, err := domain.ParseWindow(c.Params("window"))
	if err != nil {
		return ValidationError(c, err.Error())
	}

	seeded, err := h.rebuilder.Rebuild(c.Context(), scope, window)
	if err != nil {
		if errors.Is(err, counter.ErrScopeTooLarge) {
			return ScopeTooLarge(c, "scope exceeds the rebuild scan ceiling")
		}
		h.logger.Error("candidate rebuild failed", "error", err, "scope", scope, "window", window)
		return InternalError(c, "rebuild failed")
	}

	return Success(c, map[string]interface{}{
		"scope":  scope,
		"window": window,
		"seeded": seeded,
	})
}

// ScopeStats handles GET /v1/admin/scopes/:scope/stats
func (h *AdminHandler) ScopeStats(c *fiber.Ctx) error {
	scope := c.Params("scope")
	if scope == "" {
		return ValidationError(c, "scope is required")
	}

	cardinality, err := h.exact.Cardinality(c.Context(), scope)
	if err != nil {
		h.logger.Error("failed to read scope cardinality", "error", err, "scope", scope)
		return InternalError(c, "failed to read scope stats")
	}

	dedupSize, err := h.dedup.Size(c.Context())
	if err != nil {
		h.logger.Error("failed to read dedup store size", "error", err)
		return InternalError(c, "failed to read scope stats")
	}
	metrics.DedupStoreSize.Set(float64(dedupSize))

	return Success(c, map[string]interface{}{
		"scope":          scope,
		"cardinality":    cardinality,
		"dedupStoreSize": dedupSize,
	})
}
