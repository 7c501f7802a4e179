package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/repos"
	"github.com/ccui-dev/ccui/internal/services"
	"github.com/ccui-dev/ccui/internal/store"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, repos.ErrRepoNotFound),
		errors.Is(err, services.ErrSessionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, repos.ErrRepoExists),
		errors.Is(err, services.ErrSessionStopped):
		return fiber.StatusConflict
	case errors.Is(err, store.ErrInvalidName),
		errors.Is(err, store.ErrInvalidTask),
		errors.Is(err, repos.ErrInvalidRepo):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		logger.Errorf("❌ %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
