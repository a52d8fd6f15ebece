package handlers

import (
	"strconv"

	"council/internal/health"
	"council/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler exposes probe sweeps and fail-list management
type HealthHandler struct {
	manager   *health.Manager
	failLists *services.FailListService
}

// NewHealthHandler creates a health handler
func NewHealthHandler(manager *health.Manager, failLists *services.FailListService) *HealthHandler {
	return &HealthHandler{manager: manager, failLists: failLists}
}

// Status is the liveness endpoint
func (h *HealthHandler) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "service": "LLM Council API"})
}

// ProbeAll sweeps the given models and activates the resulting fail list
func (h *HealthHandler) ProbeAll(c *fiber.Ctx) error {
	var req struct {
		ModelIDs []string `json:"model_ids"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.ModelIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "model_ids is required"})
	}

	report, err := h.manager.ProbeAll(c.Context(), req.ModelIDs)
	if err != nil {
		if report != nil {
			// The sweep ran but the fail-list swap failed
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  err.Error(),
				"report": report,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	if m := services.GetMetrics(); m != nil {
		for _, r := range report.Results {
			m.RecordProbe(r.Status == health.StatusOK)
		}
	}
	return c.JSON(report)
}

// LastReport returns the most recent sweep result
func (h *HealthHandler) LastReport(c *fiber.Ctx) error {
	report := h.manager.LastReport()
	if report == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no sweep has run yet"})
	}
	return c.JSON(report)
}

// ListFailLists returns all fail lists
func (h *HealthHandler) ListFailLists(c *fiber.Ctx) error {
	lists, err := h.failLists.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list fail lists"})
	}
	return c.JSON(fiber.Map{
		"fail_lists": lists,
		"count":      len(lists),
	})
}

// ActivateFailList makes one list active (deactivating the rest)
func (h *HealthHandler) ActivateFailList(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid fail list id"})
	}

	if err := h.failLists.SetActive(id); err == services.ErrFailListNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Fail list not found"})
	} else if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to activate fail list"})
	}
	return c.JSON(fiber.Map{"status": "fail list activated", "id": id})
}

// DeactivateFailLists clears the active flag everywhere
func (h *HealthHandler) DeactivateFailLists(c *fiber.Ctx) error {
	if err := h.failLists.Deactivate(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to deactivate fail lists"})
	}
	return c.JSON(fiber.Map{"status": "fail lists deactivated"})
}
