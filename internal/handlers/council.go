package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"council/internal/council"
	"council/internal/models"
	"council/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// CouncilHandler drives council runs and streams their event frames
type CouncilHandler struct {
	engine *council.Engine
	convs  *services.ConversationService
	bus    *services.EventBus
}

// NewCouncilHandler creates a council handler
func NewCouncilHandler(engine *council.Engine, convs *services.ConversationService, bus *services.EventBus) *CouncilHandler {
	return &CouncilHandler{engine: engine, convs: convs, bus: bus}
}

type sendMessageRequest struct {
	Content string `json:"content"`
	BoardID string `json:"board_id,omitempty"`
}

type humanFeedbackRequest struct {
	Feedback           string `json:"feedback"`
	ContinueDiscussion bool   `json:"continue_discussion"`
	BoardID            string `json:"board_id,omitempty"`
}

// SendMessage runs the pipeline synchronously and returns the full
// stage payload of the new revision.
func (h *CouncilHandler) SendMessage(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	if !h.convs.Exists(conversationID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "content is required"})
	}

	if err := h.engine.RunCouncil(c.Context(), conversationID, req.Content, req.BoardID); err != nil {
		return h.runError(c, err)
	}

	messages, err := h.convs.Messages(conversationID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load result"})
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			m := messages[i]
			return c.JSON(fiber.Map{
				"stage1":   m.Stage1,
				"stage2":   m.Stage2,
				"stage3":   m.Stage3,
				"metadata": m.Metadata,
			})
		}
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Run produced no assistant message"})
}

// SendMessageStream runs the pipeline and streams event frames as
// Server-Sent Events until the run pauses, completes or fails.
func (h *CouncilHandler) SendMessageStream(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	if !h.convs.Exists(conversationID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "content is required"})
	}

	return h.streamRun(c, conversationID, func(ctx context.Context) error {
		return h.engine.RunCouncil(ctx, conversationID, req.Content, req.BoardID)
	})
}

// HumanFeedbackStream submits Stage-4 input and streams the revision
// (or the completion frame when the discussion ends).
func (h *CouncilHandler) HumanFeedbackStream(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	if !h.convs.Exists(conversationID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	}

	var req humanFeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid feedback payload"})
	}

	// Validate state up front so the client gets a synchronous
	// invalid_state instead of an error frame.
	state, err := h.convs.GetSessionState(conversationID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load session state"})
	}
	if state == nil || state.Status != models.StatusAwaitingHuman {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "session is not awaiting human input",
			"kind":  council.KindInvalidState,
		})
	}

	fb := models.HumanFeedback{Feedback: req.Feedback, ContinueDiscussion: req.ContinueDiscussion}
	return h.streamRun(c, conversationID, func(ctx context.Context) error {
		return h.engine.SubmitHumanFeedback(ctx, conversationID, fb, req.BoardID)
	})
}

// EndSession records a rating for a completed session
func (h *CouncilHandler) EndSession(c *fiber.Ctx) error {
	conversationID := c.Params("id")

	var req struct {
		Rating int `json:"rating"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid rating payload"})
	}
	if req.Rating < 0 || req.Rating > 5 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "rating must be between 0 and 5"})
	}

	if err := h.engine.Rate(conversationID, req.Rating); err != nil {
		return h.runError(c, err)
	}
	return c.JSON(fiber.Map{"status": "session ended", "rating": req.Rating})
}

// EventsSince returns the retained event tail after a sequence number,
// for clients rebuilding after a reconnect.
func (h *CouncilHandler) EventsSince(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	afterSeq := uint64(c.QueryInt("after", 0))

	events := h.bus.EventsSince(conversationID, afterSeq)
	return c.JSON(fiber.Map{
		"events":   events,
		"count":    len(events),
		"last_seq": h.bus.LastSeq(conversationID),
	})
}

// streamRun subscribes to the session's bus, launches the run and
// writes frames as SSE until a terminal frame arrives. The
// subscription starts before the run so no frame is missed.
func (h *CouncilHandler) streamRun(c *fiber.Ctx, sessionID string, run func(ctx context.Context) error) error {
	subID := uuid.New().String()
	events := h.bus.Subscribe(sessionID, subID, 256)

	runCtx, cancelRun := context.WithCancel(context.Background())
	go func() {
		if err := run(runCtx); err != nil {
			// The engine already emitted the error frame; invalid_state
			// never reaches the bus, so surface it here.
			if council.KindOf(err) == council.KindInvalidState {
				h.bus.Publish(sessionID, models.CouncilEvent{
					Type:    models.EventError,
					Message: err.Error(),
					Data:    map[string]string{"kind": council.KindInvalidState},
				})
			}
			log.Printf("[HTTP] Run for %s ended with: %v", sessionID, err)
		}
	}()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.bus.Unsubscribe(sessionID, subID)
		defer cancelRun()

		idle := time.NewTimer(time.Duration(models.MaxResponseTimeoutS*4) * time.Second)
		defer idle.Stop()

		for {
			select {
			case event := <-events:
				if err := writeSSE(w, event); err != nil {
					return // client gone; cancel propagates to the run
				}
				switch event.Type {
				case models.EventHumanInputRequired, models.EventComplete, models.EventError:
					return
				}
			case <-idle.C:
				return
			}
		}
	}))

	return nil
}

func writeSSE(w *bufio.Writer, event models.CouncilEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// runError maps engine error kinds to HTTP responses
func (h *CouncilHandler) runError(c *fiber.Ctx, err error) error {
	kind := council.KindOf(err)
	status := fiber.StatusInternalServerError
	switch kind {
	case council.KindInvalidState:
		status = fiber.StatusConflict
	case council.KindNoCapableModel, council.KindQuorumLost, council.KindInsufficientBallots:
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  kind,
	})
}
