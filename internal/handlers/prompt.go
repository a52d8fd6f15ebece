package handlers

import (
	"council/internal/models"
	"council/internal/services"

	"github.com/gofiber/fiber/v2"
)

// PromptHandler manages the saved prompt library
type PromptHandler struct {
	prompts *services.PromptService
}

// NewPromptHandler creates a prompt handler
func NewPromptHandler(prompts *services.PromptService) *PromptHandler {
	return &PromptHandler{prompts: prompts}
}

// List returns all prompts
func (h *PromptHandler) List(c *fiber.Ctx) error {
	prompts, err := h.prompts.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list prompts"})
	}
	return c.JSON(fiber.Map{
		"prompts": prompts,
		"count":   len(prompts),
	})
}

// Save creates or updates a prompt
func (h *PromptHandler) Save(c *fiber.Ctx) error {
	var prompt models.Prompt
	if err := c.BodyParser(&prompt); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid prompt payload"})
	}
	if prompt.Title == "" || prompt.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "title and content are required"})
	}

	if err := h.prompts.Save(&prompt); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to save prompt"})
	}
	return c.JSON(prompt)
}

// TrackUsage bumps a prompt's usage counter
func (h *PromptHandler) TrackUsage(c *fiber.Ctx) error {
	err := h.prompts.TrackUsage(c.Params("id"))
	if err == services.ErrPromptNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Prompt not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to track usage"})
	}
	return c.JSON(fiber.Map{"status": "usage tracked"})
}

// Delete removes a prompt
func (h *PromptHandler) Delete(c *fiber.Ctx) error {
	err := h.prompts.Delete(c.Params("id"))
	if err == services.ErrPromptNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Prompt not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to delete prompt"})
	}
	return c.JSON(fiber.Map{"status": "prompt deleted"})
}
