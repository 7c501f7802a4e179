package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"

	"github.com/ccui-dev/ccui/internal/events"
	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/recovery"
)

// heartbeatInterval keeps proxies from closing idle SSE streams.
const heartbeatInterval = 30 * time.Second

// EventsHandler streams board events over WebSocket and SSE.
type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// HandleBoardWebSocket streams board events as {"type","payload"} messages
func (h *EventsHandler) HandleBoardWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(h.serveBoard)(c)
}

func (h *EventsHandler) serveBoard(conn *websocket.Conn) {
	id, ch := h.hub.Subscribe("ws")
	defer h.hub.Unsubscribe(id)

	// The board is read-only; reading only detects the client going away.
	gone := make(chan struct{})
	recovery.SafeGo("board-reader-"+id, func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				logger.Debugf("board subscriber %s was dropped", id)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(time.Second))
				_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
				<-gone
				return
			}
			if err := conn.WriteJSON(msg.Event); err != nil {
				logger.Debugf("board write failed for %s: %v", id, err)
				_ = conn.Close()
				<-gone
				return
			}
		case <-gone:
			return
		}
	}
}

// HandleSSE streams board events as Server-Sent Events
func (h *EventsHandler) HandleSSE(c *fiber.Ctx) error {
	if ah := c.Get("Accept"); ah != "" && !strings.Contains(ah, "text/event-stream") && !strings.Contains(ah, "*/*") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "This endpoint only accepts Server-Sent Events (text/event-stream)",
		})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	id, ch := h.hub.Subscribe("sse")
	logger.Infof("📡 SSE client connected: %s from %s", id, c.IP())

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.hub.Unsubscribe(id)

		send := func(msg events.Message) bool {
			b, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("⚠️ cannot encode event %s: %v", msg.Event.Type, err)
				return true
			}
			if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", msg.ID, b); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		if !send(h.hub.Heartbeat()) {
			return
		}

		tick := time.NewTicker(heartbeatInterval)
		defer tick.Stop()

		for {
			select {
			case msg, ok := <-ch:
				if !ok || !send(msg) {
					logger.Debugf("SSE client %s gone", id)
					return
				}
			case <-tick.C:
				if !send(h.hub.Heartbeat()) {
					return
				}
			}
		}
	}))

	return nil
}
