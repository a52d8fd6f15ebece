package handlers

import (
	"council/internal/export"
	"council/internal/services"

	"github.com/gofiber/fiber/v2"
)

// ConversationHandler handles conversation CRUD and lifecycle requests
type ConversationHandler struct {
	convs     *services.ConversationService
	audit     *services.AuditService
	exportDir string
}

// NewConversationHandler creates a conversation handler
func NewConversationHandler(convs *services.ConversationService, audit *services.AuditService, exportDir string) *ConversationHandler {
	return &ConversationHandler{convs: convs, audit: audit, exportDir: exportDir}
}

// List returns conversation summaries
func (h *ConversationHandler) List(c *fiber.Ctx) error {
	includeArchived := c.QueryBool("include_archived", false)
	conversations, err := h.convs.List(includeArchived)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list conversations",
		})
	}
	return c.JSON(fiber.Map{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

// Create creates a new conversation
func (h *ConversationHandler) Create(c *fiber.Ctx) error {
	var body struct {
		ID string `json:"id"`
	}
	_ = c.BodyParser(&body) // empty body is fine

	conv, err := h.convs.Create(body.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create conversation",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(conv)
}

// Get returns one conversation with messages and session state
func (h *ConversationHandler) Get(c *fiber.Ctx) error {
	conv, err := h.convs.Get(c.Params("id"))
	if err == services.ErrConversationNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load conversation",
		})
	}
	return c.JSON(conv)
}

// Delete permanently removes a conversation
func (h *ConversationHandler) Delete(c *fiber.Ctx) error {
	err := h.convs.DeletePermanent(c.Params("id"))
	if err == services.ErrConversationNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete conversation",
		})
	}
	return c.JSON(fiber.Map{"status": "conversation deleted"})
}

// Archive marks a conversation archived
func (h *ConversationHandler) Archive(c *fiber.Ctx) error {
	err := h.convs.Archive(c.Params("id"))
	if err == services.ErrConversationNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to archive conversation",
		})
	}
	return c.JSON(fiber.Map{"status": "conversation archived"})
}

// Reset clears messages and session state; the title survives
func (h *ConversationHandler) Reset(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	if !h.convs.Exists(conversationID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	if err := h.convs.Reset(conversationID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reset conversation",
		})
	}
	return c.JSON(fiber.Map{"status": "conversation reset"})
}

// AuditLog returns the session's audit trail
func (h *ConversationHandler) AuditLog(c *fiber.Ctx) error {
	events, err := h.audit.List(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load audit log",
		})
	}
	return c.JSON(fiber.Map{
		"events": events,
		"count":  len(events),
	})
}

// ExportArchive bundles the session's audit trail, history, snapshot
// and rendered result into a zip and serves it.
func (h *ConversationHandler) ExportArchive(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	conv, err := h.convs.Get(conversationID)
	if err == services.ErrConversationNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load conversation",
		})
	}

	events, err := h.audit.List(conversationID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load audit log",
		})
	}

	path, err := export.AuditArchive(h.exportDir, conv, events)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to build audit archive",
		})
	}
	return c.Download(path)
}
