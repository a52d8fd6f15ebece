package handlers

import (
	"council/internal/config"
	"council/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ConfigHandler reads and updates the live council configuration
type ConfigHandler struct {
	store *config.CouncilConfigStore
}

// NewConfigHandler creates a config handler
func NewConfigHandler(store *config.CouncilConfigStore) *ConfigHandler {
	return &ConfigHandler{store: store}
}

// Get returns the current council configuration
func (h *ConfigHandler) Get(c *fiber.Ctx) error {
	return c.JSON(h.store.Get())
}

// Update replaces the council configuration
func (h *ConfigHandler) Update(c *fiber.Ctx) error {
	var cfg models.CouncilConfig
	if err := c.BodyParser(&cfg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid configuration payload"})
	}
	if len(cfg.CouncilModels) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "council_models must not be empty"})
	}
	if cfg.ChairmanModel == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chairman_model is required"})
	}

	if err := h.store.Update(cfg); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to persist configuration"})
	}
	return c.JSON(fiber.Map{"status": "configuration updated"})
}
