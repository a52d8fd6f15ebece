package handlers

import (
	"council/internal/models"
	"council/internal/services"

	"github.com/gofiber/fiber/v2"
)

// BoardHandler manages saved council boards
type BoardHandler struct {
	boards *services.BoardService
}

// NewBoardHandler creates a board handler
func NewBoardHandler(boards *services.BoardService) *BoardHandler {
	return &BoardHandler{boards: boards}
}

// List returns all boards
func (h *BoardHandler) List(c *fiber.Ctx) error {
	boards, err := h.boards.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list boards"})
	}
	return c.JSON(fiber.Map{
		"boards": boards,
		"count":  len(boards),
	})
}

// Get returns one board
func (h *BoardHandler) Get(c *fiber.Ctx) error {
	board, err := h.boards.Get(c.Params("id"))
	if err == services.ErrBoardNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Board not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load board"})
	}
	return c.JSON(board)
}

// Save creates or updates a board
func (h *BoardHandler) Save(c *fiber.Ctx) error {
	var board models.Board
	if err := c.BodyParser(&board); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid board payload"})
	}

	if err := h.boards.Save(&board); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(board)
}

// Delete removes a board
func (h *BoardHandler) Delete(c *fiber.Ctx) error {
	err := h.boards.Delete(c.Params("id"))
	if err == services.ErrBoardNotFound {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Board not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to delete board"})
	}
	return c.JSON(fiber.Map{"status": "board deleted"})
}
