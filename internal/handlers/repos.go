package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/repos"
	"github.com/ccui-dev/ccui/internal/services"
)

// ReposHandler manages the registered repositories.
type ReposHandler struct {
	registry *repos.Registry
	events   services.Publisher
}

func NewReposHandler(registry *repos.Registry, events services.Publisher) *ReposHandler {
	return &ReposHandler{registry: registry, events: events}
}

// ListRepos returns every registered repo
func (h *ReposHandler) ListRepos(c *fiber.Ctx) error {
	return c.JSON(h.registry.List())
}

// CreateRepo registers a local directory as a repo
func (h *ReposHandler) CreateRepo(c *fiber.Ctx) error {
	var req models.CreateRepoRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid json")
	}

	repo, err := h.registry.Add(req)
	if err != nil {
		return respondError(c, err)
	}
	logger.Infof("📁 registered repo %s at %s", repo.Name, repo.Path)
	h.events.Publish(models.BoardEvent{Type: models.RepoCreatedEvent, Payload: repo})
	return c.Status(fiber.StatusCreated).JSON(repo)
}

// DeleteRepo unregisters a repo. Its task files stay on disk.
func (h *ReposHandler) DeleteRepo(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.registry.Remove(name); err != nil {
		return respondError(c, err)
	}
	logger.Infof("📁 unregistered repo %s", name)
	h.events.Publish(models.BoardEvent{Type: models.RepoDeletedEvent, Payload: models.RepoDeletedPayload{Name: name}})
	return c.SendStatus(fiber.StatusNoContent)
}
