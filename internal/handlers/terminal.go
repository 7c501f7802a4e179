package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/recovery"
	"github.com/ccui-dev/ccui/internal/services"
)

const (
	// viewerQueueSize is how many frames a viewer may fall behind before it
	// is considered too slow and dropped.
	viewerQueueSize = 256
	// closeGrace bounds how long we wait for the client to answer a close.
	closeGrace = 2 * time.Second
)

var (
	errViewerClosed = errors.New("viewer closed")
	errViewerSlow   = errors.New("viewer too slow")
)

// TerminalHandler bridges /ws/terminal connections to agent sessions.
type TerminalHandler struct {
	sessions  *services.SessionRegistry
	lifecycle *services.TaskLifecycle
}

func NewTerminalHandler(sessions *services.SessionRegistry, lifecycle *services.TaskLifecycle) *TerminalHandler {
	return &TerminalHandler{sessions: sessions, lifecycle: lifecycle}
}

// HandleWebSocket attaches a terminal client to a session
func (h *TerminalHandler) HandleWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		return badRequest(c, "sessionId is required")
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn, sessionID)
	})(c)
}

func (h *TerminalHandler) serve(conn *websocket.Conn, sessionID string) {
	v := newWSViewer(conn, sessionID)
	recovery.SafeGo("terminal-writer-"+v.id, v.writePump)
	defer v.wait()

	err := h.lifecycle.EnsureSession(sessionID)
	if err == nil {
		err = h.sessions.Attach(sessionID, v)
	}
	if err != nil {
		v.log.Warn().Err(err).Msg("❌ cannot attach terminal")
		_ = v.SendControl(models.ErrorFrame{Message: err.Error()})
		v.Close()
		return
	}
	defer h.sessions.Detach(sessionID, v)
	defer v.Close()

	v.log.Info().Msg("🔌 terminal connected")
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				v.log.Debug().Err(err).Msg("terminal read error")
			}
			break
		}

		switch messageType {
		case websocket.BinaryMessage:
			h.input(v, sessionID, data)
		case websocket.TextMessage:
			h.control(v, sessionID, data)
		}
	}
	v.log.Info().Msg("🔌 terminal disconnected")
}

// control handles a text frame. Anything that is not a control frame is
// typed into the terminal; unknown and malformed control frames are ignored.
func (h *TerminalHandler) control(v *wsViewer, sessionID string, data []byte) {
	frame, err := models.DecodeControlFrame(data)
	switch {
	case errors.Is(err, models.ErrNotControl):
		h.input(v, sessionID, data)
		return
	case err != nil:
		v.log.Debug().Err(err).Msg("ignoring frame")
		return
	}

	switch f := frame.(type) {
	case models.ResizeFrame:
		if err := h.sessions.Resize(sessionID, f.Cols, f.Rows); err != nil {
			v.log.Debug().Err(err).Msg("resize failed")
		}
	case models.ResumeFrame:
		if err := h.lifecycle.ResumeSession(context.Background(), sessionID); err != nil {
			_ = v.SendControl(models.ErrorFrame{Message: err.Error()})
		}
	default:
		v.log.Debug().Str("type", string(frame.FrameType())).Msg("ignoring server-bound frame")
	}
}

func (h *TerminalHandler) input(v *wsViewer, sessionID string, data []byte) {
	if err := h.sessions.Write(context.Background(), sessionID, data); err != nil {
		v.log.Warn().Err(err).Msg("❌ input rejected")
		_ = v.SendControl(models.ErrorFrame{Message: err.Error()})
	}
}

type outbound struct {
	binary  []byte
	control models.ControlFrame
}

// wsViewer queues frames for one websocket and writes them from a single
// goroutine, so sessions never block on a slow client.
type wsViewer struct {
	id   string
	conn *websocket.Conn
	log  zerolog.Logger

	mu     sync.Mutex
	out    chan outbound
	closed bool
	done   chan struct{}
}

func newWSViewer(conn *websocket.Conn, sessionID string) *wsViewer {
	id := uuid.New().String()
	return &wsViewer{
		id:   id,
		conn: conn,
		log:  logger.ForSession(sessionID).With().Str("viewer", id).Logger(),
		out:  make(chan outbound, viewerQueueSize),
		done: make(chan struct{}),
	}
}

func (v *wsViewer) ID() string { return v.id }

func (v *wsViewer) SendBinary(data []byte) error {
	return v.enqueue(outbound{binary: data})
}

func (v *wsViewer) SendControl(frame models.ControlFrame) error {
	return v.enqueue(outbound{control: frame})
}

func (v *wsViewer) enqueue(msg outbound) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return errViewerClosed
	}
	select {
	case v.out <- msg:
		return nil
	default:
		return errViewerSlow
	}
}

// Close flushes what is queued and then closes the websocket.
func (v *wsViewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.closed {
		v.closed = true
		close(v.out)
	}
}

func (v *wsViewer) wait() {
	<-v.done
}

func (v *wsViewer) writePump() {
	defer close(v.done)

	broken := false
	for msg := range v.out {
		if broken {
			continue
		}
		if err := v.write(msg); err != nil {
			v.log.Debug().Err(err).Msg("terminal write failed")
			broken = true
		}
	}
	if broken {
		return
	}

	_ = v.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = v.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

func (v *wsViewer) write(msg outbound) error {
	if msg.control == nil {
		return v.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
	}
	data, err := models.EncodeControlFrame(msg.control)
	if err != nil {
		v.log.Error().Err(err).Msg("❌ cannot encode control frame")
		return nil
	}
	return v.conn.WriteMessage(websocket.TextMessage, data)
}
