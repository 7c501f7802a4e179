package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/services"
)

// SessionsHandler serves session summaries and the signals agent hooks send.
type SessionsHandler struct {
	sessions  *services.SessionRegistry
	lifecycle *services.TaskLifecycle
}

func NewSessionsHandler(sessions *services.SessionRegistry, lifecycle *services.TaskLifecycle) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, lifecycle: lifecycle}
}

// ListSessions returns every live session
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	infos := h.sessions.List()
	if infos == nil {
		infos = []models.SessionInfo{}
	}
	return c.JSON(infos)
}

// AdvanceToReview is called by the Stop hook when the agent finishes a turn.
// Signals for unknown sessions or tasks in another column are accepted and
// ignored.
func (h *SessionsHandler) AdvanceToReview(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	logger.Debugf("🪝 completion signal for session %s", sessionID)
	if err := h.lifecycle.AdvanceToReview(c.UserContext(), sessionID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// BackToInProgress reopens a Review task whose session is active again.
func (h *SessionsHandler) BackToInProgress(c *fiber.Ctx) error {
	if err := h.lifecycle.BackToInProgress(c.UserContext(), c.Params("sessionId")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Resume continues an exited session interactively.
func (h *SessionsHandler) Resume(c *fiber.Ctx) error {
	if err := h.lifecycle.ResumeSession(c.UserContext(), c.Params("sessionId")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
