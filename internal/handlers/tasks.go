package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ccui-dev/ccui/internal/models"
	"github.com/ccui-dev/ccui/internal/services"
)

// TasksHandler exposes the task board.
type TasksHandler struct {
	lifecycle *services.TaskLifecycle
	store     services.TaskStore
}

func NewTasksHandler(lifecycle *services.TaskLifecycle, store services.TaskStore) *TasksHandler {
	return &TasksHandler{lifecycle: lifecycle, store: store}
}

// repoParam reads the repo a task belongs to from the query string.
func repoParam(c *fiber.Ctx) (string, bool) {
	repo := c.Query("repo")
	return repo, repo != ""
}

// ListTasks returns the tasks of one repo, or of all repos
func (h *TasksHandler) ListTasks(c *fiber.Ctx) error {
	tasks, err := h.store.List(c.Query("repo"))
	if err != nil {
		return respondError(c, err)
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return c.JSON(tasks)
}

// CreateTask adds a task to the Backlog
func (h *TasksHandler) CreateTask(c *fiber.Ctx) error {
	var req models.CreateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid json")
	}
	if req.Repo == "" {
		return badRequest(c, "repo is required")
	}

	task, err := h.lifecycle.CreateTask(req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(task)
}

// GetTask returns a single task
func (h *TasksHandler) GetTask(c *fiber.Ctx) error {
	repo, ok := repoParam(c)
	if !ok {
		return badRequest(c, "repo is required")
	}
	task, err := h.store.Get(repo, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// UpdateTask edits a task from the board
func (h *TasksHandler) UpdateTask(c *fiber.Ctx) error {
	repo, ok := repoParam(c)
	if !ok {
		return badRequest(c, "repo is required")
	}
	var req models.UpdateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid json")
	}

	task, err := h.lifecycle.UpdateTask(repo, c.Params("id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// DeleteTask removes a task and cancels its session
func (h *TasksHandler) DeleteTask(c *fiber.Ctx) error {
	repo, ok := repoParam(c)
	if !ok {
		return badRequest(c, "repo is required")
	}
	if err := h.lifecycle.DeleteTask(repo, c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Handover gives the task's spec to the coding agent
func (h *TasksHandler) Handover(c *fiber.Ctx) error {
	repo, ok := repoParam(c)
	if !ok {
		return badRequest(c, "repo is required")
	}
	task, err := h.lifecycle.Handover(c.UserContext(), repo, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// Recall takes a task back to the Backlog
func (h *TasksHandler) Recall(c *fiber.Ctx) error {
	repo, ok := repoParam(c)
	if !ok {
		return badRequest(c, "repo is required")
	}
	task, err := h.lifecycle.Recall(c.UserContext(), repo, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}
