package handlers

import (
	"encoding/json"
	"log"
	"strconv"

	"council/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// SessionWSHandler serves the live event tail of one session over a
// WebSocket. On connect the client may pass ?after=<seq>; the retained
// tail past that point is replayed first, then live events follow.
type SessionWSHandler struct {
	bus *services.EventBus
}

// NewSessionWSHandler creates the websocket handler
func NewSessionWSHandler(bus *services.EventBus) *SessionWSHandler {
	return &SessionWSHandler{bus: bus}
}

// Upgrade gates the route to websocket requests
func (h *SessionWSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler returns the websocket connection handler
func (h *SessionWSHandler) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		sessionID := conn.Params("id")
		afterSeq := uint64(0)
		if after := conn.Query("after"); after != "" {
			if parsed, err := strconv.ParseUint(after, 10, 64); err == nil {
				afterSeq = parsed
			}
		}

		subID := uuid.New().String()
		events := h.bus.Subscribe(sessionID, subID, 256)
		defer h.bus.Unsubscribe(sessionID, subID)

		// Replay the missed tail before live delivery. Frames already in
		// the live channel may duplicate the tail edge; clients dedupe
		// by seq — delivery is at-least-once.
		for _, event := range h.bus.EventsSince(sessionID, afterSeq) {
			if err := writeWSEvent(conn, event); err != nil {
				return
			}
			if event.Seq > afterSeq {
				afterSeq = event.Seq
			}
		}

		// Reader goroutine detects client close
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case event := <-events:
				if event.Seq <= afterSeq {
					continue // already replayed from the tail
				}
				if err := writeWSEvent(conn, event); err != nil {
					return
				}
			}
		}
	})
}

func writeWSEvent(conn *websocket.Conn, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[WS] Failed to marshal event: %v", err)
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
